package conversation

import (
	"strings"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

// Command is one of the request kinds the coordinator dispatches:
// Ask, Analyze, Search, Forget, Status, Expiry, Help or Greeting.
type Command interface {
	Name() string
	isCommand()
}

// Ask sends a question to the model with the caller's history.
type Ask struct {
	Question string
}

// Analyze sends an attachment to the model. Attachment is nil when the
// caller did not provide one of the right kind.
type Analyze struct {
	Kind       domain.MediaKind
	Attachment *domain.Attachment
}

// Search answers a query from web search results. The exchange is not
// remembered.
type Search struct {
	Query string
}

type ForgetScope string

const (
	ForgetSelf ForgetScope = "self"
	ForgetAll  ForgetScope = "all"
)

// Forget clears the caller's history, or every history for admins.
type Forget struct {
	Scope ForgetScope
}

type Status struct{}

type Expiry struct{}

type Help struct{}

// Greeting answers a mention that carried no question.
type Greeting struct{}

func (Ask) Name() string { return "ask" }
func (a Analyze) Name() string { return string(a.Kind) }
func (Search) Name() string { return "search" }
func (Forget) Name() string { return "forget" }
func (Status) Name() string { return "status" }
func (Expiry) Name() string { return "expiry" }
func (Help) Name() string { return "help" }
func (Greeting) Name() string { return "greeting" }

func (Ask) isCommand() {}
func (Analyze) isCommand() {}
func (Search) isCommand() {}
func (Forget) isCommand() {}
func (Status) isCommand() {}
func (Expiry) isCommand() {}
func (Help) isCommand() {}
func (Greeting) isCommand() {}

// ParseCommand maps a gateway command name and its raw arguments onto a
// Command. attachments are only consulted by the media commands.
func ParseCommand(name, args string, attachments []domain.Attachment) (Command, error) {
	args = strings.TrimSpace(args)

	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "ask", "mention":
		if args == "" && name == "mention" {
			return Greeting{}, nil
		}
		return Ask{Question: args}, nil
	case "image", "video", "audio":
		kind := domain.MediaKind(name)
		return Analyze{Kind: kind, Attachment: domain.SelectAttachment(kind, attachments)}, nil
	case "search":
		return Search{Query: args}, nil
	case "forget":
		scope, err := parseForgetScope(args)
		if err != nil {
			return nil, err
		}
		return Forget{Scope: scope}, nil
	case "status":
		return Status{}, nil
	case "expiry":
		return Expiry{}, nil
	case "help":
		return Help{}, nil
	default:
		return nil, domain.ErrUnknownCommand
	}
}

func parseForgetScope(arg string) (ForgetScope, error) {
	switch strings.ToLower(arg) {
	case "", "user", "me", "self":
		return ForgetSelf, nil
	case "all":
		return ForgetAll, nil
	default:
		return "", domain.InvalidInput("Use `forget` to clear your own history or `forget all` to clear everyone's.")
	}
}
