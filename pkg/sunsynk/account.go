package sunsynk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/raterudder/sunsynk/pkg/common"
	"github.com/raterudder/sunsynk/pkg/log"
	"github.com/raterudder/sunsynk/pkg/types"
	"golang.org/x/sync/singleflight"
)

// refreshMargin is how close to expiry a token may get before EnsureValid
// exchanges it.
const refreshMargin = 30 * time.Second

// Account keeps the bearer credential of one SunSynk Connect account valid.
// Token exchanges are serialised: concurrent callers share the result of the
// exchange already in flight.
type Account struct {
	api *api
	now func() time.Time

	flight singleflight.Group
	// exMu allows only one exchange on the wire at a time, whichever grant it
	// uses.
	exMu sync.Mutex

	mu       sync.RWMutex
	cred     types.Credential
	username string
	password string
	fatal    error
}

// NewAccount returns an account talking to baseURL.
func NewAccount(baseURL string) *Account {
	return newAccount(&api{
		client:  common.HTTPClient(common.RemoteTimeout),
		baseURL: baseURL,
	})
}

func newAccount(a *api) *Account {
	return &Account{
		api: a,
		now: time.Now,
	}
}

type tokenData struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    number `json:"expires_in"`
	Scope        string `json:"scope"`
}

type passwordGrant struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	GrantType string `json:"grant_type"`
	ClientID  string `json:"client_id"`
}

type refreshGrant struct {
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

// Authenticate logs in with a password grant. On success the stored
// credential is replaced and the username/password are kept for later
// re-authentication. Supplying credentials clears an unusable session.
func (a *Account) Authenticate(ctx context.Context, username, password string) (types.Credential, error) {
	a.mu.Lock()
	a.username = username
	a.password = password
	a.fatal = nil
	a.mu.Unlock()

	return a.login(ctx, username, password)
}

func (a *Account) login(ctx context.Context, username, password string) (types.Credential, error) {
	v, err, shared := a.flight.Do("password:"+username, func() (interface{}, error) {
		log.Ctx(ctx).DebugContext(ctx, "logging in to sunsynk", slog.String("username", username))
		return a.exchange(ctx, passwordGrant{
			Username:  username,
			Password:  password,
			GrantType: "password",
			ClientID:  clientID,
		})
	})
	if shared {
		log.Ctx(ctx).DebugContext(ctx, "shared in-flight sunsynk login")
	}
	if err != nil {
		return types.Credential{}, err
	}
	return v.(types.Credential), nil
}

// EnsureValid returns the current credential when it has more than 30 seconds
// left, without touching the network. Otherwise it performs one refresh-token
// exchange for username.
func (a *Account) EnsureValid(ctx context.Context, username string) (types.Credential, error) {
	a.mu.RLock()
	cred, fatal := a.cred, a.fatal
	a.mu.RUnlock()

	if fatal != nil {
		return types.Credential{}, fmt.Errorf("%w: %w", ErrSessionUnusable, fatal)
	}
	if cred.Valid() && cred.Remaining(a.now()) > refreshMargin {
		log.Ctx(ctx).DebugContext(ctx, "sunsynk token not expired")
		return cred, nil
	}

	v, err, _ := a.flight.Do("refresh:"+username, func() (interface{}, error) {
		// another caller may have finished an exchange while we waited
		a.mu.RLock()
		cred, password := a.cred, a.password
		a.mu.RUnlock()
		if cred.Valid() && cred.Remaining(a.now()) > refreshMargin {
			return cred, nil
		}

		if cred.RefreshToken == "" {
			if password == "" {
				return nil, ErrNoCredentials
			}
			log.Ctx(ctx).DebugContext(ctx, "no sunsynk refresh token, logging in")
			return a.exchange(ctx, passwordGrant{
				Username:  username,
				Password:  password,
				GrantType: "password",
				ClientID:  clientID,
			})
		}

		log.Ctx(ctx).DebugContext(ctx, "sunsynk token expired, refreshing", slog.Duration("remaining", cred.Remaining(a.now())))
		return a.exchange(ctx, refreshGrant{
			GrantType:    "refresh_token",
			Username:     username,
			RefreshToken: cred.RefreshToken,
			ClientID:     clientID,
		})
	})
	if err != nil {
		return types.Credential{}, err
	}
	return v.(types.Credential), nil
}

// Reauthenticate performs a fresh password login with the stored username and
// password.
func (a *Account) Reauthenticate(ctx context.Context) error {
	a.mu.RLock()
	username, password, fatal := a.username, a.password, a.fatal
	a.mu.RUnlock()

	if fatal != nil {
		return fmt.Errorf("%w: %w", ErrSessionUnusable, fatal)
	}
	if username == "" {
		return ErrNoCredentials
	}
	_, err := a.login(ctx, username, password)
	return err
}

// Token returns a valid access token for the stored username, refreshing it
// first when it is about to expire.
func (a *Account) Token(ctx context.Context) (string, error) {
	cred, err := a.EnsureValid(ctx, a.Username())
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// CurrentAccessToken returns the latest access token, empty if the account was
// never authenticated.
func (a *Account) CurrentAccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cred.AccessToken
}

// Credential returns a copy of the stored credential.
func (a *Account) Credential() types.Credential {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cred
}

// Username returns the username the account authenticates with.
func (a *Account) Username() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.username
}

// Usable reports whether the session can still exchange tokens, and if not,
// why.
func (a *Account) Usable() (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fatal == nil, a.fatal
}

// exchange sends one grant to the token endpoint and stores the result.
func (a *Account) exchange(ctx context.Context, grant interface{}) (types.Credential, error) {
	a.exMu.Lock()
	defer a.exMu.Unlock()

	cred, err := a.postToken(ctx, grant)
	if err != nil {
		if Fatal(err) {
			a.mu.Lock()
			a.cred = types.Credential{}
			a.fatal = err
			a.mu.Unlock()
		}
		log.Ctx(ctx).WarnContext(ctx, "sunsynk token exchange failed", slog.String("outcome", AuthOutcome(err).String()), slog.Any("error", err))
		return types.Credential{}, err
	}

	a.mu.Lock()
	a.cred = cred
	a.fatal = nil
	a.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "sunsynk token issued", slog.Duration("expiresIn", cred.ExpiresIn))
	return cred, nil
}

func (a *Account) postToken(ctx context.Context, grant interface{}) (types.Credential, error) {
	req, err := a.api.newPostJSONRequest(ctx, tokenPath, grant)
	if err != nil {
		return types.Credential{}, &TransportError{Detail: "building request", Err: err}
	}

	status, body, err := a.api.send(req)
	if err != nil {
		return types.Credential{}, &TransportError{Detail: "sending request", Err: err}
	}
	issuedAt := a.now()

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		if status == http.StatusNotFound {
			return types.Credential{}, ErrRemoteNotFound
		}
		return types.Credential{}, &TransportError{Detail: fmt.Sprintf("decoding response (status %d)", status), Err: err}
	}

	if env.Code == codeBadCredentials {
		log.Ctx(ctx).DebugContext(ctx, "sunsynk credentials rejected", slog.String("msg", env.Msg))
		return types.Credential{}, ErrInvalidCredentials
	}
	if env.Status == http.StatusNotFound || status == http.StatusNotFound {
		log.Ctx(ctx).DebugContext(ctx, "sunsynk token endpoint not found", slog.String("error", env.Error), slog.String("path", env.Path))
		return types.Credential{}, ErrRemoteNotFound
	}
	if status != http.StatusOK || env.Code != codeOK {
		return types.Credential{}, &TransportError{Detail: fmt.Sprintf("status %d code %d: %s", status, env.Code, env.Msg)}
	}

	var td tokenData
	if err := json.Unmarshal(env.Data, &td); err != nil {
		return types.Credential{}, &TransportError{Detail: "decoding token", Err: err}
	}
	if td.AccessToken == "" {
		return types.Credential{}, &TransportError{Detail: "response carried no access token"}
	}

	return types.Credential{
		AccessToken:  td.AccessToken,
		RefreshToken: td.RefreshToken,
		IssuedAt:     issuedAt,
		ExpiresIn:    time.Duration(td.ExpiresIn) * time.Second,
	}, nil
}
