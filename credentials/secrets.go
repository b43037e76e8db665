package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
)

const (
	// maxInputSize is the maximum size of a secrets template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Secrets holds the server's own secrets, resolved from a template file.
type Secrets struct {
	// AuthToken guards the management endpoints with a bearer token.
	AuthToken string `json:"auth_token,omitempty"`
	// Remote holds credentials for the remote content store.
	Remote *RemoteAuth `json:"remote,omitempty"`
}

// RemoteAuth authenticates fetches from the remote content store.
type RemoteAuth struct {
	Token   string            `json:"token,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Secrets.
type Resolver struct {
	providers map[string]SecretProvider
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new secrets resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{providers: make(map[string]SecretProvider)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a secrets template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secrets file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a secrets template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Secrets, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading secrets template: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("secrets template exceeds maximum size of %d bytes", maxInputSize)
	}

	tmpl, err := template.New("secrets").
		Option("missingkey=error").
		Funcs(r.funcMap(ctx)).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing secrets template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing secrets template: %w", err)
	}
	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered secrets exceed maximum size of %d bytes", maxOutputSize)
	}

	var secrets Secrets
	if err := json.Unmarshal(buf.Bytes(), &secrets); err != nil {
		return nil, fmt.Errorf("invalid secrets JSON after template execution: %w", err)
	}
	return &secrets, nil
}

// funcMap builds the template functions. Provider lookups are memoized
// for one resolution.
func (r *Resolver) funcMap(ctx context.Context) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	cache := make(map[string]string)
	for name, provider := range r.providers {
		fm[name] = func(ref string) (string, error) {
			cacheKey := name + ":" + ref
			if val, ok := cache[cacheKey]; ok {
				return val, nil
			}
			val, err := provider(ctx, ref)
			if err != nil {
				return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
			}
			cache[cacheKey] = val
			return val, nil
		}
	}
	return fm
}
