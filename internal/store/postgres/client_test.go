package postgres

import "testing"

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: " postgres://u@db/x ", Host: "ignored"},
			want: "postgres://u@db/x",
		},
		{
			name: "defaults port and sslmode",
			cfg:  ClientConfig{Host: "localhost", Database: "pmindex", User: "postgres"},
			want: "postgres://postgres:@localhost:5432/pmindex?sslmode=disable",
		},
		{
			name: "escapes credentials",
			cfg:  ClientConfig{Host: "db", Port: 6432, Database: "pm", User: "idx", Password: "p@ss/word", SSLMode: "require"},
			want: "postgres://idx:p%40ss%2Fword@db:6432/pm?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}
