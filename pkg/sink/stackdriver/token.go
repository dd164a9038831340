package stackdriver

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

const (
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	loggingScope    = "https://www.googleapis.com/auth/logging.write"
	jwtBearerGrant  = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// refreshSkew refreshes tokens a minute before expiry so in-flight
	// requests never carry a token that dies mid-request.
	refreshSkew = 60 * time.Second
)

// tokenSource exchanges a signed service-account assertion for an access
// token and caches it until shortly before expiry. It satisfies
// oauth2.TokenSource so the sink can swap in other credential mechanisms.
type tokenSource struct {
	clientEmail string
	key         *rsa.PrivateKey
	tokenURL    string
	client      *http.Client
	now         func() time.Time

	mu     sync.Mutex
	cached *oauth2.Token
}

var _ oauth2.TokenSource = (*tokenSource)(nil)

func newTokenSource(clientEmail, privateKeyPEM, tokenURL string) (*tokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse service account key: %w", err)
	}
	if tokenURL == "" {
		tokenURL = defaultTokenURL
	}
	return &tokenSource{
		clientEmail: clientEmail,
		key:         key,
		tokenURL:    tokenURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		now:         time.Now,
	}, nil
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.cached != nil && ts.now().Add(refreshSkew).Before(ts.cached.Expiry) {
		return ts.cached, nil
	}

	tok, err := ts.exchange()
	if err != nil {
		return nil, err
	}
	ts.cached = tok
	return tok, nil
}

// invalidate drops the cached token after an authorization failure.
func (ts *tokenSource) invalidate() {
	ts.mu.Lock()
	ts.cached = nil
	ts.mu.Unlock()
}

func (ts *tokenSource) exchange() (*oauth2.Token, error) {
	iat := ts.now()
	claims := jwt.MapClaims{
		"iss":   ts.clientEmail,
		"scope": loggingScope,
		"aud":   ts.tokenURL,
		"iat":   iat.Unix(),
		"exp":   iat.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange rejected: %s: %s", resp.Status, body)
	}

	access := gjson.GetBytes(body, "access_token").String()
	if access == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	expires := gjson.GetBytes(body, "expires_in").Int()
	if expires <= 0 {
		expires = 3600
	}
	return &oauth2.Token{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      ts.now().Add(time.Duration(expires) * time.Second),
	}, nil
}
