package main

import "testing"

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "pairs",
			args: []string{"--name", "briefing", "--schedule", "0 9 * * *"},
			want: map[string]string{"name": "briefing", "schedule": "0 9 * * *"},
		},
		{
			name: "trailing flag without value dropped",
			args: []string{"--name", "briefing", "--id"},
			want: map[string]string{"name": "briefing"},
		},
		{
			name: "bare words ignored",
			args: []string{"create", "--id", "abc"},
			want: map[string]string{"id": "abc"},
		},
		{
			name: "empty",
			args: nil,
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseFlags(tt.args)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("flag %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}
