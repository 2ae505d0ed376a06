package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oss-compass/openchecker/internal/auth"
	"github.com/oss-compass/openchecker/internal/broker"
	"github.com/oss-compass/openchecker/internal/intake"
	"github.com/oss-compass/openchecker/internal/model"
)

type Intake struct {
	server *intake.Server
	pub    *broker.Publisher
	addr   string
}

func NewIntake(ctx context.Context, cfg model.Config, opts ...Option) (*Intake, error) {
	if cfg.Intake == nil {
		return nil, errors.New("config: intake section is missing")
	}
	o := newOptions(cfg.Broker, "intake", opts)

	dir, err := auth.DirectoryFromConfig(cfg.Users)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	if dir.Len() == 0 {
		slog.WarnContext(ctx, "no users configured: every submission will be rejected")
	}
	issuer, err := auth.NewIssuer([]byte(cfg.Intake.SigningKey), cfg.Intake.TokenExpire.Std(), dir)
	if err != nil {
		return nil, fmt.Errorf("initializing token issuer: %w", err)
	}
	pub := broker.NewPublisher(o.dial, topology(cfg.Broker))
	server, err := intake.New(intake.Config{
		Directory: dir,
		Issuer:    issuer,
		Publisher: pub,
		Queue:     cfg.Broker.Queue,
		MaxBody:   cfg.Intake.MaxBody,
	})
	if err != nil {
		return nil, err
	}
	return &Intake{server: server, pub: pub, addr: cfg.Intake.Addr}, nil
}

func (i *Intake) Handler() http.Handler {
	return i.server.Handler()
}

// Run serves until ctx is canceled.
func (i *Intake) Run(ctx context.Context) error {
	defer func() {
		if err := i.pub.Close(); err != nil {
			slog.WarnContext(ctx, "closing publisher", "error", err)
		}
	}()
	return i.server.ListenAndServe(ctx, i.addr)
}
