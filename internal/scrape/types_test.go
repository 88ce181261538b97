package scrape

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFormatsDefaultsAndDedup(t *testing.T) {
	t.Parallel()

	got, err := ParseFormats(nil)
	require.NoError(t, err)
	require.Equal(t, []Format{FormatMarkdown}, got)

	got, err = ParseFormats([]string{"html", "markdown", "html"})
	require.NoError(t, err)
	require.Equal(t, []Format{FormatHTML, FormatMarkdown}, got)

	_, err = ParseFormats([]string{"pdf"})
	require.ErrorContains(t, err, "unsupported format")
}

func TestCoversFormats(t *testing.T) {
	t.Parallel()

	stored := []Format{FormatMarkdown, FormatScreenshot}
	require.True(t, CoversFormats(stored, []Format{FormatMarkdown}))
	require.True(t, CoversFormats(stored, []Format{FormatScreenshot, FormatMarkdown}))
	require.True(t, CoversFormats(stored, nil))
	require.False(t, CoversFormats(stored, []Format{FormatHTML}))
}

func TestJobFreshAndBlobKeys(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	job := Job{
		Status:    StatusCompleted,
		ExpiresAt: now.Add(time.Minute),
		Content: map[Field]StoredField{
			FieldMarkdown: {Inline: []byte(`"hi"`)},
			FieldHTML:     {BlobKey: "jobs/1/html.html"},
		},
		ScreenshotBlobKey: "jobs/1/screenshot.png",
	}
	require.True(t, job.Fresh(now))
	require.False(t, job.Fresh(now.Add(time.Minute)))
	require.ElementsMatch(t, []string{"jobs/1/html.html", "jobs/1/screenshot.png"}, job.BlobKeys())

	job.Status = StatusFailed
	require.False(t, job.Fresh(now))
}

func TestErrorMatching(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("create: %w", &InProgressError{JobID: "job-1"})
	require.True(t, errors.Is(err, ErrInProgress))
	require.Contains(t, err.Error(), "already in progress")
	var inProgress *InProgressError
	require.True(t, errors.As(err, &inProgress))
	require.Equal(t, "job-1", inProgress.JobID)

	verr := &ValidationError{Code: CodePrivateIP, Message: "Private/local addresses are not allowed"}
	require.True(t, errors.Is(verr, ErrInvalidURL))
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()

	require.True(t, StatusPending.Active())
	require.True(t, StatusScraping.Active())
	require.False(t, StatusCompleted.Active())
	require.True(t, StatusFailed.Terminal())
	require.False(t, StatusScraping.Terminal())

	_, err := ParseStatus("running")
	require.Error(t, err)
	s, err := ParseStatus("failed")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, s)
}
