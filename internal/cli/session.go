package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"busping/internal/apiclient"
	"busping/internal/storage"
	logx "busping/pkg/logx"

	"golang.org/x/term"
)

// Local-store keys for the session.
const (
	KeyAuthToken = "authToken"
	KeyAuthEmail = "authEmail"
)

// ErrNotLoggedIn is returned by commands that need a session.
var ErrNotLoggedIn = errors.New("not logged in (run: busping login -email <email>)")

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

// readPIN prompts without echo on a terminal and falls back to a plain line
// read otherwise (pipes, tests).
func (a *App) readPIN() (string, error) {
	fmt.Fprint(a.out, "PIN: ")
	if f, ok := a.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := readPassword(int(f.Fd()))
		fmt.Fprintln(a.out)
		if err != nil {
			return "", fmt.Errorf("read pin: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(a.in).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read pin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// cmdAuth runs register or login and stores the session on success.
func (a *App) cmdAuth(ctx context.Context, action string, args []string) error {
	fs := a.flags(action)
	email := fs.String("email", "", "email address")
	pin := fs.String("pin", "", "PIN (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" {
		return fmt.Errorf("%w: -email is required", ErrUsage)
	}
	secret := strings.TrimSpace(*pin)
	if secret == "" {
		var err error
		if secret, err = a.readPIN(); err != nil {
			return err
		}
	}
	if secret == "" {
		return fmt.Errorf("%w: pin is required", ErrUsage)
	}

	if action == "login" {
		exists, err := a.api.CheckUser(ctx, *email)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("no account for %s (run: busping register)", *email)
		}
	}

	var (
		tok string
		err error
	)
	if action == "register" {
		tok, err = a.api.Register(ctx, *email, secret)
	} else {
		tok, err = a.api.Login(ctx, *email, secret)
	}
	if apiclient.IsUnauthorized(err) {
		return errors.New("invalid pin")
	}
	if err != nil {
		return err
	}
	if err := a.saveSession(ctx, *email, tok); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s successful for %s\n", action, *email)
	return nil
}

func (a *App) cmdLogout(ctx context.Context, args []string) error {
	if err := a.flags("logout").Parse(args); err != nil {
		return err
	}
	if err := a.dropSession(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func (a *App) saveSession(ctx context.Context, email, tok string) error {
	if err := a.store.Put(ctx, storage.BucketLocal, KeyAuthEmail, []byte(email)); err != nil {
		return err
	}
	return a.store.Put(ctx, storage.BucketLocal, KeyAuthToken, []byte(tok))
}

func (a *App) dropSession(ctx context.Context) error {
	if err := a.store.Delete(ctx, storage.BucketLocal, KeyAuthToken); err != nil {
		return err
	}
	return a.store.Delete(ctx, storage.BucketLocal, KeyAuthEmail)
}

func (a *App) session(ctx context.Context) (email, tok string, err error) {
	t, ok, err := a.store.Get(ctx, storage.BucketLocal, KeyAuthToken)
	if err != nil {
		return "", "", err
	}
	e, eok, err := a.store.Get(ctx, storage.BucketLocal, KeyAuthEmail)
	if err != nil {
		return "", "", err
	}
	if !ok || !eok || len(t) == 0 || len(e) == 0 {
		return "", "", ErrNotLoggedIn
	}
	return string(e), string(t), nil
}

// expired discards the stored token after a 401.
func (a *App) expired(ctx context.Context) error {
	if err := a.store.Delete(ctx, storage.BucketLocal, KeyAuthToken); err != nil {
		a.log.Warn("discard session failed", logx.Err(err))
	}
	return errors.New("session expired; log in again")
}
