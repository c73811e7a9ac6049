// Package actor resolves actor names to their scripts and checks the tokens
// authorizing a caller to trigger them.
//
// Every actor is a folder below the registry directory:
//
//	actors/
//	  deploy-website/
//	    .token   # shared secret, surrounding whitespace is ignored
//	    run.sh   # executable script
package actor

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cepharum/actord/internal/model"
	"github.com/cepharum/actord/internal/service"
)

const (
	TokenFile  = ".token"
	ScriptFile = "run.sh"
)

// Registry gives access to the actors in a directory.
type Registry struct {
	dir  string
	root *os.Root
	env  []string
}

func NewRegistry(dir string, env []string) (*Registry, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving actors directory: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("opening actors directory: %w", err)
	}
	return &Registry{dir: abs, root: root, env: env}, nil
}

func (r *Registry) Dir() string {
	return r.dir
}

// Authorize checks token against the token file of actor name.
func (r *Registry) Authorize(name, token string) error {
	if err := validName(name); err != nil {
		return err
	}
	if token == "" {
		return model.ErrInvalidRequest
	}

	f, err := r.root.Open(filepath.Join(name, TokenFile))
	if err != nil {
		return lookupErr(err)
	}
	defer func() {
		_ = f.Close()
	}()
	b, err := io.ReadAll(io.LimitReader(f, 4096))
	if err != nil {
		return lookupErr(err)
	}

	required := strings.TrimSpace(string(b))
	if required == "" || subtle.ConstantTimeCompare([]byte(required), []byte(token)) != 1 {
		return model.ErrUnauthorized
	}
	return nil
}

// Resolve returns the command running the script of actor name.
func (r *Registry) Resolve(name string) (service.Command, error) {
	if err := validName(name); err != nil {
		return service.Command{}, err
	}

	info, err := r.root.Stat(filepath.Join(name, ScriptFile))
	if err != nil {
		return service.Command{}, lookupErr(err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return service.Command{}, model.ErrNotAFile
	}

	dir := filepath.Join(r.dir, name)
	return service.Command{
		Path: filepath.Join(dir, ScriptFile),
		Dir:  dir,
		Env:  append([]string(nil), r.env...),
	}, nil
}

func (r *Registry) Close() error {
	return r.root.Close()
}

func validName(name string) error {
	if name == "" || name == "." || strings.ContainsAny(name, `/\`) || !filepath.IsLocal(name) {
		return model.ErrInvalidRequest
	}
	return nil
}

func lookupErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	return fmt.Errorf("%w: %w", model.ErrInvalidSetup, err)
}
