package conversation

import (
	"fmt"
	"strings"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

const (
	imagePrompt = "Describe what you see in this image briefly but accurately. Keep your response under 2000 characters."
	videoPrompt = "Describe what's happening in this video briefly but accurately. Keep your response under 2000 characters."
	audioPrompt = "Transcribe and analyze this audio content briefly. Keep your response under 2000 characters."
)

func analysisPrompt(kind domain.MediaKind) string {
	switch kind {
	case domain.MediaVideo:
		return videoPrompt
	case domain.MediaAudio:
		return audioPrompt
	default:
		return imagePrompt
	}
}

// analysisTurn is what gets remembered for a media request; the payload itself is not stored.
func analysisTurn(att *domain.Attachment) string {
	name := att.Filename
	if name == "" {
		name = "attachment"
	}
	return fmt.Sprintf("[%s: %s] %s", att.Kind, name, analysisPrompt(att.Kind))
}

func missingAttachmentMessage(kind domain.MediaKind) string {
	switch kind {
	case domain.MediaAudio:
		return "Please attach an audio file to analyze."
	case domain.MediaVideo:
		return "Please attach a video to analyze."
	default:
		return "Please attach an image to analyze."
	}
}

const noSnippet = "No description available."

// searchPrompt asks the model to answer query from numbered results it can cite.
func searchPrompt(query string, results []domain.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I searched the web for: %q\n\nHere are the search results:\n", query)
	for i, r := range results {
		snippet := r.Snippet
		if snippet == "" {
			snippet = noSnippet
		}
		fmt.Fprintf(&b, "[%d] %s\nURL: %s\nSnippet: %s\n\n", i+1, r.Title, r.Link, snippet)
	}
	fmt.Fprintf(&b, "Please provide a comprehensive but concise summary based on these search results. "+
		"Answer the query %q using the information from these sources. "+
		"Include the most relevant facts and cite your sources using [1], [2], etc. "+
		"Format your response in a way that's easy to read.", query)
	return b.String()
}
