package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"testing"

	"github.com/redis/go-redis/v9"
)

type replyError string

func (e replyError) Error() string { return string(e) }
func (replyError) RedisError()     {}

func TestIsConnectivityError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"redis nil", redis.Nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("redis get failed: %w", io.EOF), true},
		{"closed client", redis.ErrClosed, true},
		{"net op", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"reply error", replyError("ERR unknown command"), false},
		{"wrongtype reply", replyError("WRONGTYPE Operation against a key"), false},
		{"loading", replyError("LOADING Redis is loading the dataset in memory"), true},
		{"masterdown", replyError("MASTERDOWN Link with MASTER is down"), true},
		{"unknown", errors.New("something else"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectivityError(tt.err); got != tt.want {
				t.Errorf("IsConnectivityError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestScoreBounds(t *testing.T) {
	if got := Score(math.Inf(-1)); got != "-inf" {
		t.Errorf("Score(-inf) = %q", got)
	}
	if got := Score(math.Inf(1)); got != "+inf" {
		t.Errorf("Score(+inf) = %q", got)
	}
	if got := Score(1700000000123); got != "1700000000123" {
		t.Errorf("Score(ms) = %q", got)
	}
	if got := ScoreExclusive(5); got != "(5" {
		t.Errorf("ScoreExclusive(5) = %q", got)
	}

	tests := []struct {
		in        string
		val       float64
		exclusive bool
		wantErr   bool
	}{
		{"5", 5, false, false},
		{"(5", 5, true, false},
		{"-inf", math.Inf(-1), false, false},
		{"+inf", math.Inf(1), false, false},
		{"(+inf", math.Inf(1), true, false},
		{"1.5", 1.5, false, false},
		{"x", 0, false, true},
	}
	for _, tt := range tests {
		v, ex, err := parseScoreBound(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseScoreBound(%q) error = %v", tt.in, err)
			continue
		}
		if err == nil && (v != tt.val || ex != tt.exclusive) {
			t.Errorf("parseScoreBound(%q) = %v, %v; want %v, %v", tt.in, v, ex, tt.val, tt.exclusive)
		}
	}
}
