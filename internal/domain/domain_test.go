package domain_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PabloGalante/intel-relay/internal/domain"
)

func TestIsExpired(t *testing.T) {
	ttl := 7 * 24 * time.Hour
	last := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"fresh", last.Add(time.Hour), false},
		{"exactly ttl is not expired", last.Add(ttl), false},
		{"one nanosecond past ttl", last.Add(ttl + time.Nanosecond), true},
		{"eight days later", last.Add(8 * 24 * time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.IsExpired(last, tt.now, ttl))
		})
	}

	assert.False(t, domain.IsExpired(time.Time{}, last, ttl), "zero activity never expires")
}

func TestRemainingTTL(t *testing.T) {
	last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, domain.RemainingTTL(last, last.Add(6*24*time.Hour), domain.DefaultSessionTTL))
	assert.Equal(t, time.Duration(0), domain.RemainingTTL(last, last.Add(9*24*time.Hour), domain.DefaultSessionTTL))
}

func TestNextVersionIsMonotonic(t *testing.T) {
	now := time.Now()
	v1 := domain.NextVersion(0, now)
	v2 := domain.NextVersion(v1, now)
	v3 := domain.NextVersion(v2, now.Add(-time.Hour))
	assert.Greater(t, v2, v1)
	assert.Greater(t, v3, v2)
}

func TestAsUpstream(t *testing.T) {
	assert.Nil(t, domain.AsUpstream(nil))
	assert.Equal(t, domain.FailureTimeout, domain.AsUpstream(fmt.Errorf("call: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, domain.FailureCancelled, domain.AsUpstream(context.Canceled).Kind)
	assert.Equal(t, domain.FailureUnknown, domain.AsUpstream(errors.New("boom")).Kind)

	quota := &domain.UpstreamError{Kind: domain.FailureQuotaExceeded}
	require.Same(t, quota, domain.AsUpstream(fmt.Errorf("wrapped: %w", quota)))
}

func TestSelectAttachment(t *testing.T) {
	candidates := []domain.Attachment{
		{Filename: "notes.txt", MimeType: "text/plain"},
		{Filename: "voice.m4a"},
		{Filename: "cat.png", MimeType: "image/png"},
	}

	img := domain.SelectAttachment(domain.MediaImage, candidates)
	require.NotNil(t, img)
	assert.Equal(t, "cat.png", img.Filename)
	assert.Equal(t, domain.MediaImage, img.Kind)

	audio := domain.SelectAttachment(domain.MediaAudio, candidates)
	require.NotNil(t, audio)
	assert.Equal(t, "voice.m4a", audio.Filename)

	assert.Nil(t, domain.SelectAttachment(domain.MediaVideo, candidates))
}
