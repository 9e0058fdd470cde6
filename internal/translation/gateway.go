package translation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
)

var (
	ErrFailure             = errors.New("translation failure")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// DefaultLanguages are the patient languages accepted out of the box.
var DefaultLanguages = []string{
	"en", "bn", "gu", "hi", "kn", "ml", "mr", "ta", "te", "ur", "es", "fr", "zh", "ja", "ko",
}

// Translator is the remote translation collaborator.
type Translator interface {
	Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error)
}

type Options struct {
	Pivot     string
	Languages []string
	Timeout   time.Duration
	CacheTTL  time.Duration
}

// Gateway translates between a patient language and the pivot language.
type Gateway struct {
	translator Translator
	pivot      string
	supported  map[string]struct{}
	timeout    time.Duration
	cache      *cache.Cache
}

func NewGateway(translator Translator, opts Options) (*Gateway, error) {
	if opts.Pivot == "" {
		opts.Pivot = "en"
	}
	if len(opts.Languages) == 0 {
		opts.Languages = DefaultLanguages
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}

	pivot, err := baseCode(opts.Pivot)
	if err != nil {
		return nil, errors.Wrapf(err, "pivot language %q", opts.Pivot)
	}

	supported := make(map[string]struct{}, len(opts.Languages)+1)
	for _, l := range opts.Languages {
		code, err := baseCode(l)
		if err != nil {
			return nil, errors.Wrapf(err, "language %q", l)
		}
		supported[code] = struct{}{}
	}
	supported[pivot] = struct{}{}

	return &Gateway{
		translator: translator,
		pivot:      pivot,
		supported:  supported,
		timeout:    opts.Timeout,
		cache:      cache.New(opts.CacheTTL, 2*opts.CacheTTL),
	}, nil
}

func (g *Gateway) Pivot() string { return g.pivot }

// Supported lists the accepted language codes in sorted order.
func (g *Gateway) Supported() []string {
	out := make([]string, 0, len(g.supported))
	for code := range g.supported {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func (g *Gateway) IsPivot(lang string) bool {
	code, err := baseCode(lang)
	return err == nil && code == g.pivot
}

// NormalizeLanguage returns the base ISO 639 code for lang if it is supported.
func (g *Gateway) NormalizeLanguage(lang string) (string, error) {
	code, err := baseCode(lang)
	if err != nil {
		return "", errors.Wrapf(ErrUnsupportedLanguage, "%q", lang)
	}
	if _, ok := g.supported[code]; !ok {
		return "", errors.Wrapf(ErrUnsupportedLanguage, "%q", lang)
	}
	return code, nil
}

func (g *Gateway) ToPivot(ctx context.Context, text, sourceLanguage string) (string, error) {
	return g.translate(ctx, text, sourceLanguage, g.pivot)
}

func (g *Gateway) ToPatientLanguage(ctx context.Context, text, targetLanguage string) (string, error) {
	return g.translate(ctx, text, g.pivot, targetLanguage)
}

func (g *Gateway) translate(ctx context.Context, text, source, target string) (string, error) {
	if strings.TrimSpace(text) == "" || g.IsPivot(source) && g.IsPivot(target) {
		return text, nil
	}
	src, err := g.NormalizeLanguage(source)
	if err != nil {
		return "", errors.WithMessage(ErrFailure, err.Error())
	}
	dst, err := g.NormalizeLanguage(target)
	if err != nil {
		return "", errors.WithMessage(ErrFailure, err.Error())
	}
	if src == dst {
		return text, nil
	}

	key := cacheKey(src, dst, text)
	if cached, ok := g.cache.Get(key); ok {
		return cached.(string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.translator.Translate(ctx, text, src, dst)
	if err != nil {
		return "", errors.WithMessagef(ErrFailure, "%s->%s: %v", src, dst, err)
	}
	g.cache.Set(key, out, cache.DefaultExpiration)
	return out, nil
}

func cacheKey(src, dst, text string) string {
	sum := sha256.Sum256([]byte(text))
	return src + ">" + dst + ":" + hex.EncodeToString(sum[:])
}

func baseCode(lang string) (string, error) {
	tag, err := language.Parse(strings.TrimSpace(lang))
	if err != nil {
		return "", err
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", errors.Errorf("no base language for %q", lang)
	}
	return base.String(), nil
}
