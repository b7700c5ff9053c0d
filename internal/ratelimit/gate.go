package ratelimit

import (
	"time"

	"github.com/YannKr/streamgate/internal/config"
)

// Gate groups the limiters in front of token creation, streaming and the
// rest of the API.
type Gate struct {
	Create      *Limiter // per user
	StreamToken *Limiter // per token value
	StreamIP    *Limiter // per client IP
	API         *Limiter // per client IP, every authenticated route
}

func NewGate(cfg *config.Config) *Gate {
	return &Gate{
		Create:      New("token creation", cfg.TokenCreateLimit, cfg.TokenCreateWindow),
		StreamToken: New("this token", cfg.StreamTokenLimit, cfg.StreamWindow),
		StreamIP:    New("this client", cfg.StreamIPLimit, cfg.StreamWindow),
		API:         NewBucket("API requests", cfg.APIRequestLimit, cfg.APIWindow),
	}
}

func (g *Gate) ReserveCreate(userID string) (*Reservation, error) {
	return g.Create.Reserve(userID)
}

// ReserveStream takes one unit from both stream limiters, or none.
func (g *Gate) ReserveStream(token, ip string) (*Reservation, error) {
	byToken, err := g.StreamToken.Reserve(token)
	if err != nil {
		return nil, err
	}
	byIP, err := g.StreamIP.Reserve(ip)
	if err != nil {
		byToken.Cancel()
		return nil, err
	}
	return &Reservation{held: append(byToken.held, byIP.held...)}, nil
}

func (g *Gate) Start(interval time.Duration) {
	for _, l := range g.limiters() {
		l.Start(interval)
	}
}

func (g *Gate) Stop() {
	for _, l := range g.limiters() {
		l.Stop()
	}
}

// Evict sweeps idle keys from every limiter.
func (g *Gate) Evict() int {
	n := 0
	for _, l := range g.limiters() {
		n += l.Evict()
	}
	return n
}

func (g *Gate) limiters() []*Limiter {
	return []*Limiter{g.Create, g.StreamToken, g.StreamIP, g.API}
}
