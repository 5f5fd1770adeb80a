package models

import (
	"testing"
	"time"
)

func TestToolDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		tool    ToolDefinition
		wantErr bool
	}{
		{
			name: "Valid script tool",
			tool: ToolDefinition{
				Name:      "disk_usage",
				Execution: ExecutionSpec{Type: ExecutionKindScript, Command: "df -h"},
			},
			wantErr: false,
		},
		{
			name: "Valid http tool",
			tool: ToolDefinition{
				Name:      "local_api",
				Execution: ExecutionSpec{Type: ExecutionKindHTTP, URL: "http://localhost:8080/run"},
			},
			wantErr: false,
		},
		{
			name: "Missing name",
			tool: ToolDefinition{
				Execution: ExecutionSpec{Type: ExecutionKindScript, Command: "df -h"},
			},
			wantErr: true,
		},
		{
			name: "Script without command",
			tool: ToolDefinition{
				Name:      "noop",
				Execution: ExecutionSpec{Type: ExecutionKindScript},
			},
			wantErr: true,
		},
		{
			name: "HTTP without url",
			tool: ToolDefinition{
				Name:      "noop",
				Execution: ExecutionSpec{Type: ExecutionKindHTTP},
			},
			wantErr: true,
		},
		{
			name: "Unknown execution type",
			tool: ToolDefinition{
				Name:      "noop",
				Execution: ExecutionSpec{Type: ExecutionKind("grpc"), Command: "x"},
			},
			wantErr: true,
		},
		{
			name: "Negative timeout",
			tool: ToolDefinition{
				Name:      "noop",
				Execution: ExecutionSpec{Type: ExecutionKindScript, Command: "true", TimeoutSeconds: -5},
			},
			wantErr: true,
		},
		{
			name: "Required parameter not declared",
			tool: ToolDefinition{
				Name: "echo",
				Parameters: ParameterSchema{
					Type:     "object",
					Required: []string{"text"},
				},
				Execution: ExecutionSpec{Type: ExecutionKindScript, Command: "echo {text}"},
			},
			wantErr: true,
		},
		{
			name: "Required parameter declared",
			tool: ToolDefinition{
				Name: "echo",
				Parameters: ParameterSchema{
					Type: "object",
					Properties: map[string]ParameterSpec{
						"text": {Type: "string"},
					},
					Required: []string{"text"},
				},
				Execution: ExecutionSpec{Type: ExecutionKindScript, Command: "echo {text}"},
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tool.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToolTimeout(t *testing.T) {
	defaultTimeout := 30 * time.Second
	maxTimeout := 5 * time.Minute

	tests := []struct {
		name     string
		seconds  int
		expected time.Duration
	}{
		{"Unset uses default", 0, defaultTimeout},
		{"Explicit within cap", 120, 2 * time.Minute},
		{"Explicit above cap is clamped", 3600, maxTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tool := ToolDefinition{
				Name:      "x",
				Execution: ExecutionSpec{Type: ExecutionKindScript, Command: "true", TimeoutSeconds: tt.seconds},
			}
			result := tool.Timeout(defaultTimeout, maxTimeout)
			if result != tt.expected {
				t.Errorf("Timeout(%d) = %v, want %v", tt.seconds, result, tt.expected)
			}
		})
	}
}
