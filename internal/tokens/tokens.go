// Package tokens resolves upstream access tokens. The service only consumes
// tokens; issuing and refreshing them belongs to the companion authority
// service. Resolution order: cache keys, then the authority service, then
// the environment.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/rs/zerolog"
)

// ErrNoTokens means no source yielded a usable token. Fatal at startup;
// surfaced as a 500 during an admin reload.
var ErrNoTokens = errors.New("no upstream access tokens available")

// CacheReader is the slice of the cache gateway the loader needs.
type CacheReader interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
	LegacyTokens(ctx context.Context) ([]string, error)
}

// Loader resolves the current token set.
type Loader struct {
	cache        CacheReader
	serviceURL   string
	accountIDs   []string
	envPrimary   string
	envSecondary string
	http         *http.Client
	log          zerolog.Logger
}

// Config parameterizes a Loader.
type Config struct {
	ServiceURL   string
	AccountIDs   []string
	EnvPrimary   string // may be a comma-separated list
	EnvSecondary string
}

// New builds a Loader. cache may be nil when the cache is disabled.
func New(cache CacheReader, cfg Config, log zerolog.Logger) *Loader {
	return &Loader{
		cache:        cache,
		serviceURL:   strings.TrimRight(cfg.ServiceURL, "/"),
		accountIDs:   cfg.AccountIDs,
		envPrimary:   cfg.EnvPrimary,
		envSecondary: cfg.EnvSecondary,
		http:         &http.Client{Timeout: 5 * time.Second},
		log:          log,
	}
}

// Load resolves the token set. With account ids configured, each account is
// resolved through cache then authority service; otherwise the legacy
// single-account keys are tried, then the authority service, then the
// environment. The result is de-duplicated preserving order.
func (l *Loader) Load(ctx context.Context) ([]string, error) {
	var toks []string

	if len(l.accountIDs) > 0 {
		for _, id := range l.accountIDs {
			tok := l.cachedToken(ctx, id)
			if tok == "" {
				tok = l.serviceToken(ctx, id)
			}
			if tok == "" {
				l.log.Warn().Str("account", id).Msg("no token resolved for account")
				continue
			}
			toks = append(toks, tok)
		}
	} else {
		if l.cache != nil {
			legacy, err := l.cache.LegacyTokens(ctx)
			if err != nil {
				l.log.Warn().Err(err).Msg("legacy token read failed")
			}
			toks = append(toks, legacy...)
		}
		if len(toks) == 0 {
			if tok := l.serviceToken(ctx, ""); tok != "" {
				toks = append(toks, tok)
			}
		}
	}

	if len(toks) == 0 {
		for _, tok := range strings.Split(l.envPrimary, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				toks = append(toks, tok)
			}
		}
		if l.envSecondary != "" {
			toks = append(toks, l.envSecondary)
		}
	}

	toks = dedupe(toks)
	if len(toks) == 0 {
		return nil, ErrNoTokens
	}
	l.log.Info().Int("count", len(toks)).Msg("upstream tokens resolved")
	return toks, nil
}

func (l *Loader) cachedToken(ctx context.Context, accountID string) string {
	if l.cache == nil {
		return ""
	}
	tok, err := l.cache.AccessToken(ctx, accountID)
	if err != nil {
		l.log.Warn().Err(err).Str("account", accountID).Msg("cache token read failed")
		return ""
	}
	return tok
}

// serviceToken asks the authority service for the current token. accountID
// may be empty in single-account deployments.
func (l *Loader) serviceToken(ctx context.Context, accountID string) string {
	if l.serviceURL == "" {
		return ""
	}
	url := l.serviceURL + "/token/status"
	if accountID != "" {
		url = fmt.Sprintf("%s/accounts/%s/token/status", l.serviceURL, accountID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ""
	}
	resp, err := l.http.Do(req)
	if err != nil {
		l.log.Warn().Err(err).Str("url", url).Msg("authority service unreachable")
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		l.log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("authority service error")
		return ""
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		l.log.Warn().Err(err).Msg("authority service response unreadable")
		return ""
	}
	// The status payload carries more than the token; only access_token
	// matters here.
	token, err := jsonparser.GetString(raw, "access_token")
	if err != nil {
		l.log.Warn().Err(err).Msg("authority service response missing access_token")
		return ""
	}
	return token
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, t := range in {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
