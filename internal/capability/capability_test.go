package capability

import (
	"errors"
	"reflect"
	"slices"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *Policy
	}{
		{
			name:  "empty manifest",
			input: "",
			want:  &Policy{Network: NoNet{}, Storage: true},
		},
		{
			name:  "json open net",
			input: `{"network":{"mode":"OPEN_NET","allowlist":["api.example.com"," "]},"rooms":true}`,
			want:  &Policy{Network: OpenNet{Allowlist: []string{"api.example.com"}}, Storage: true, Rooms: true},
		},
		{
			name: "yaml direct proxy",
			input: `
network:
  mode: direct+proxy
  allowlist:
    - https://api.example.com
storage: false
sandbox:
  allowForms: true
`,
			want: &Policy{
				Network: DirectProxy{Allowlist: []string{"https://api.example.com"}},
				Storage: false,
				Sandbox: Sandbox{AllowForms: true},
			},
		},
		{
			name:  "lowercase media only",
			input: `{"network":{"mode":"media_only"}}`,
			want:  &Policy{Network: MediaOnly{}, Storage: true},
		},
		{
			name:  "strict",
			input: `{"network":{"mode":"strict"}}`,
			want:  &Policy{Network: Strict{}, Storage: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.input))
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "unknown mode", input: `{"network":{"mode":"LAN_ONLY"}}`, want: ErrUnknownMode},
		{name: "quoted origin", input: `{"network":{"mode":"OPEN_NET","allowlist":["'unsafe-eval'"]}}`, want: ErrInvalidOrigin},
		{name: "directive injection", input: `{"network":{"mode":"OPEN_NET","allowlist":["a.com; script-src *"]}}`, want: ErrInvalidOrigin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseTooManyOrigins(t *testing.T) {
	input := `{"network":{"mode":"OPEN_NET","allowlist":[`
	for i := 0; i <= MaxAllowlist; i++ {
		if i > 0 {
			input += ","
		}
		input += `"a.example"`
	}
	input += `]}}`

	_, err := Parse([]byte(input))
	if !errors.Is(err, ErrTooManyOrigins) {
		t.Fatalf("got %v, want %v", err, ErrTooManyOrigins)
	}
}

func TestPolicyAllowedDomains(t *testing.T) {
	p := &Policy{Network: OpenNet{Allowlist: []string{
		"https://API.example.com/v1",
		"api.example.com",
		"*.cdn.example.com",
		"wss://rt.example.com:8443",
	}}}
	got := p.AllowedDomains()
	want := []string{"api.example.com", "*.cdn.example.com", "rt.example.com:8443"}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if got := (&Policy{Network: MediaOnly{}}).AllowedDomains(); got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestPolicySandboxTokens(t *testing.T) {
	p := &Policy{Sandbox: Sandbox{AllowForms: true, AllowModals: true}}
	want := []string{"allow-scripts", "allow-same-origin", "allow-forms", "allow-modals"}
	if got := p.SandboxTokens(); !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
