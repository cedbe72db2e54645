// Package auth obtains and refreshes the OAuth tokens used by Google calendars.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// ErrNoToken is returned by Client when no token has been stored yet.
var ErrNoToken = errors.New("no OAuth token stored, run 'calsync auth' first")

// GoogleOAuthConfig builds the OAuth configuration for read/write calendar access.
func GoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{calendar.CalendarScope},
		Endpoint:     google.Endpoint,
	}
}

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	source     oauth2.TokenSource
	tokenStore TokenStore

	mu        sync.Mutex
	lastToken *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Check if the token was refreshed by comparing access tokens
	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}

	return token, nil
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// Returns the redirect URL, a channel for the authorization code, and a channel for errors.
// Uses port 8080 by default, or a random port if 8080 is unavailable.
func startLocalServer() (string, <-chan string, <-chan error, error) {
	// Try port 8080 first, fall back to random port if unavailable
	listener, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to start local server: %w", err)
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 2)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		switch errMsg := r.URL.Query().Get("error"); {
		case code != "":
			fmt.Fprintf(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
			once.Do(func() { codeChan <- code })
		case errMsg != "":
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", errMsg)
			once.Do(func() { errorChan <- fmt.Errorf("authorization error: %s", errMsg) })
		default:
			fmt.Fprintf(w, "<html><body><h1>No authorization code received</h1></body></html>")
			return
		}
		go func() {
			time.Sleep(1 * time.Second)
			server.Shutdown(context.Background())
		}()
	})
	server.Handler = mux

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	return redirectURL, codeChan, errorChan, nil
}

// Authorize runs the interactive OAuth flow through a loopback redirect and
// stores the resulting token. Instructions are written to out.
func Authorize(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, out io.Writer) (*oauth2.Token, error) {
	// Start local server to receive callback
	redirectURL, codeChan, errorChan, err := startLocalServer()
	if err != nil {
		return nil, err
	}

	cfg := *oauthConfig
	cfg.RedirectURL = redirectURL

	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Fprintf(out, "Starting local server on %s\n", redirectURL)
	if redirectURL != "http://127.0.0.1:8080" {
		fmt.Fprintf(out, "Note: Port 8080 was unavailable. Make sure to add %s to your authorized redirect URIs in Google Cloud Console.\n", redirectURL)
	}
	fmt.Fprintln(out, "\nPlease visit the following URL to authorize the application:")
	fmt.Fprintln(out, authURL)
	fmt.Fprintln(out, "\nWaiting for authorization...")

	// Wait for the authorization code
	var code string
	select {
	case code = <-codeChan:
	case err := <-errorChan:
		return nil, fmt.Errorf("failed to receive authorization code: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Minute):
		return nil, fmt.Errorf("authorization timeout: no response received within 5 minutes")
	}

	token, err := exchange(ctx, &cfg, tokenStore, code)
	if err != nil {
		return nil, err
	}

	fmt.Fprintln(out, "Authorization successful!")
	return token, nil
}

// AuthorizeWithReader runs the OAuth flow with a manually pasted
// authorization code read from in. Used on hosts without a browser.
func AuthorizeWithReader(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	authURL := oauthConfig.AuthCodeURL("state-token", oauth2.AccessTypeOffline)

	fmt.Fprintln(out, "Please visit the following URL to authorize the application:")
	fmt.Fprintln(out, authURL)
	fmt.Fprint(out, "Enter the authorization code: ")

	var code string
	if _, err := fmt.Fscanln(in, &code); err != nil {
		return nil, fmt.Errorf("failed to read authorization code: %w", err)
	}

	return exchange(ctx, oauthConfig, tokenStore, code)
}

func exchange(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, fmt.Errorf("no authorization code received")
	}

	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if err := tokenStore.SaveToken(token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}

	return token, nil
}

// Client returns an HTTP client authorized with the stored token. Refreshed
// tokens are written back to tokenStore. It never prompts; ErrNoToken is
// returned when the calendar has not been authorized yet.
func Client(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore) (*http.Client, error) {
	token, err := tokenStore.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return nil, ErrNoToken
	}

	// Wrap the token source to auto-save refreshed tokens
	autoSaveSource := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, oauthConfig.TokenSource(ctx, token)),
		tokenStore: tokenStore,
		lastToken:  token,
	}

	return oauth2.NewClient(ctx, autoSaveSource), nil
}
