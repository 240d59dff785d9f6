package prompt

import (
	"bytes"
	"strings"
	"testing"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   bool
		want  bool
	}{
		{"yes", "y\n", false, true},
		{"YES uppercase", "YES\n", false, true},
		{"no", "n\n", true, false},
		{"empty takes default no", "\n", false, false},
		{"empty takes default yes", "\n", true, true},
		{"eof takes default", "", true, true},
		{"garbage is no", "maybe\n", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			p := New(strings.NewReader(tt.input), &out)
			got, err := p.Confirm("Overwrite?", tt.def)
			if err != nil {
				t.Fatalf("Confirm() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Confirm() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfirmHint(t *testing.T) {
	var out bytes.Buffer
	p := New(strings.NewReader("\n\n"), &out)
	_, _ = p.Confirm("A?", false)
	_, _ = p.Confirm("B?", true)
	if !strings.Contains(out.String(), "A? [y/N]") || !strings.Contains(out.String(), "B? [Y/n]") {
		t.Errorf("unexpected prompt output %q", out.String())
	}
}

func TestConfirmAssumeYes(t *testing.T) {
	var out bytes.Buffer
	p := New(strings.NewReader("n\n"), &out)
	p.AssumeYes = true
	got, err := p.Confirm("Proceed?", false)
	if err != nil || !got {
		t.Fatalf("Confirm() = %v, %v; want true", got, err)
	}
}

func TestText(t *testing.T) {
	var out bytes.Buffer
	p := New(strings.NewReader("  10.0.0.5 \n\n"), &out)

	got, err := p.Text("Server address", "")
	if err != nil || got != "10.0.0.5" {
		t.Fatalf("Text() = %q, %v", got, err)
	}
	got, err = p.Text("Server address", "fallback")
	if err != nil || got != "fallback" {
		t.Fatalf("Text() default = %q, %v", got, err)
	}
}

func TestChoose(t *testing.T) {
	var out bytes.Buffer
	p := New(strings.NewReader("2\n"), &out)
	got, err := p.Choose("Select installation type:", []string{"Server", "Agent"})
	if err != nil {
		t.Fatalf("Choose() error = %v", err)
	}
	if got != "2" {
		t.Errorf("Choose() = %q, want 2", got)
	}
	if !strings.Contains(out.String(), "1) Server") || !strings.Contains(out.String(), "2) Agent") {
		t.Errorf("options not printed: %q", out.String())
	}
}
