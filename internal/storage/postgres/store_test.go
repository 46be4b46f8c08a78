package postgres

import (
	"testing"
	"time"
)

func TestPoolOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want poolConfig
	}{
		{
			name: "defaults",
			want: poolConfig{maxOpen: 25, maxIdle: 10, maxLifetime: 30 * time.Minute, maxIdleTime: 5 * time.Minute},
		},
		{
			name: "small pool caps idle",
			opts: []Option{WithMaxOpenConns(4)},
			want: poolConfig{maxOpen: 4, maxIdle: 4, maxLifetime: 30 * time.Minute, maxIdleTime: 5 * time.Minute},
		},
		{
			name: "non-positive values are ignored",
			opts: []Option{WithMaxOpenConns(0), WithConnMaxLifetime(-time.Second)},
			want: poolConfig{maxOpen: 25, maxIdle: 10, maxLifetime: 30 * time.Minute, maxIdleTime: 5 * time.Minute},
		},
		{
			name: "lifetime",
			opts: []Option{WithMaxOpenConns(50), WithConnMaxLifetime(time.Hour)},
			want: poolConfig{maxOpen: 50, maxIdle: 10, maxLifetime: time.Hour, maxIdleTime: 5 * time.Minute},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := defaultPool()
			for _, opt := range tc.opts {
				opt(&got)
			}
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}
