package translation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingTranslator struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
}

func (r *recordingTranslator) Translate(ctx context.Context, text, src, dst string) (string, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if r.err != nil {
		return "", r.err
	}
	return "[" + src + ">" + dst + "] " + text, nil
}

func newGateway(t *testing.T, tr Translator, opts Options) *Gateway {
	t.Helper()
	g, err := NewGateway(tr, opts)
	require.NoError(t, err)
	return g
}

func TestGatewayIdentityForPivot(t *testing.T) {
	tr := &recordingTranslator{}
	g := newGateway(t, tr, Options{})

	out, err := g.ToPivot(context.Background(), "headache", "en")
	require.NoError(t, err)
	require.Equal(t, "headache", out)

	out, err = g.ToPatientLanguage(context.Background(), "rest", "en-US")
	require.NoError(t, err)
	require.Equal(t, "rest", out)

	out, err = g.ToPatientLanguage(context.Background(), "   ", "hi")
	require.NoError(t, err)
	require.Equal(t, "   ", out)

	require.Zero(t, tr.calls)
}

func TestGatewayDirections(t *testing.T) {
	tr := &recordingTranslator{}
	g := newGateway(t, tr, Options{})

	out, err := g.ToPivot(context.Background(), "sir dard", "hi")
	require.NoError(t, err)
	require.Equal(t, "[hi>en] sir dard", out)

	out, err = g.ToPatientLanguage(context.Background(), "rest", "hi")
	require.NoError(t, err)
	require.Equal(t, "[en>hi] rest", out)
}

func TestGatewayCachesResults(t *testing.T) {
	tr := &recordingTranslator{}
	g := newGateway(t, tr, Options{})

	for i := 0; i < 3; i++ {
		_, err := g.ToPivot(context.Background(), "sir dard", "hi")
		require.NoError(t, err)
	}
	require.Equal(t, 1, tr.calls)

	_, err := g.ToPatientLanguage(context.Background(), "sir dard", "hi")
	require.NoError(t, err)
	require.Equal(t, 2, tr.calls)
}

func TestGatewayFailure(t *testing.T) {
	g := newGateway(t, &recordingTranslator{err: errors.New("quota exceeded")}, Options{})

	_, err := g.ToPivot(context.Background(), "sir dard", "hi")
	require.True(t, errors.Is(err, ErrFailure))
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestGatewayTimeout(t *testing.T) {
	g := newGateway(t, &recordingTranslator{delay: time.Second}, Options{Timeout: 10 * time.Millisecond})

	_, err := g.ToPatientLanguage(context.Background(), "rest", "ta")
	require.True(t, errors.Is(err, ErrFailure))
}

func TestNormalizeLanguage(t *testing.T) {
	g := newGateway(t, &recordingTranslator{}, Options{})

	code, err := g.NormalizeLanguage("hi-IN")
	require.NoError(t, err)
	require.Equal(t, "hi", code)

	code, err = g.NormalizeLanguage(" EN ")
	require.NoError(t, err)
	require.Equal(t, "en", code)

	_, err = g.NormalizeLanguage("de")
	require.True(t, errors.Is(err, ErrUnsupportedLanguage))

	_, err = g.NormalizeLanguage("")
	require.True(t, errors.Is(err, ErrUnsupportedLanguage))

	require.True(t, g.IsPivot("en-GB"))
	require.False(t, g.IsPivot("hi"))
}

func TestGatewayRestrictedLanguages(t *testing.T) {
	g := newGateway(t, &recordingTranslator{}, Options{Languages: []string{"hi"}})

	_, err := g.NormalizeLanguage("ta")
	require.Error(t, err)
	_, err = g.NormalizeLanguage("en")
	require.NoError(t, err, "pivot is always supported")
	require.Equal(t, []string{"en", "hi"}, g.Supported())
}
