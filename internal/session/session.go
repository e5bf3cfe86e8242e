// Package session runs the line-oriented command protocol over an input
// stream: a command name followed by its numeric arguments, all separated by
// whitespace. Each result is framed by separator lines on the output.
package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/internal/query"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/ad-log-analytics/pkg/tracing"
)

// Querier is what the session dispatches to; *query.Engine satisfies it.
type Querier interface {
	Get(ctx context.Context, p query.GetParams) (query.Totals, error)
	Clicked(ctx context.Context, user uint32) ([]query.AdQuery, error)
	Impressed(ctx context.Context, a, b uint32) ([]query.AdGroup, error)
	Profit(ctx context.Context, ad uint32, threshold float64) ([]uint32, error)
}

// handler runs one command. It returns true when the session should end.
type handler func(ctx context.Context, s *Session, args *tokens, w *bufio.Writer) (bool, error)

var handlers = map[string]handler{
	"get":       handleGet,
	"clicked":   handleClicked,
	"impressed": handleImpressed,
	"profit":    handleProfit,
	"quit":      handleQuit,
}

type Session struct {
	q      Querier
	cfg    config.SessionConfig
	id     string
	logger *slog.Logger
}

func New(q Querier, cfg config.SessionConfig) *Session {
	if cfg.Separator == "" {
		cfg.Separator = config.Default().Session.Separator
	}
	id := uuid.NewString()
	return &Session{
		q:      q,
		cfg:    cfg,
		id:     id,
		logger: slog.Default().With("component", "session", "session_id", id),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Run reads commands from in until EOF, quit, or an unrecognized command,
// all of which end the session cleanly. Malformed arguments and failed
// queries end it with an error.
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx = logger.WithRequestID(ctx, s.id)
	args := newTokens(in)
	w := bufio.NewWriter(out)
	defer w.Flush()

	s.logger.Info("session started")
	commands := 0
	for {
		name, ok := args.next()
		if !ok {
			if err := args.err(); err != nil {
				return fmt.Errorf("%w: reading commands: %w", apperrors.ErrIO, err)
			}
			s.logger.Info("session ended", "reason", "eof", "commands", commands)
			return nil
		}
		h, known := handlers[name]
		if !known {
			s.logger.Info("session ended", "reason", "unknown command", "command", name, "commands", commands)
			return nil
		}

		start := time.Now()
		spanCtx, span := tracing.StartSpan(ctx, "session."+name, s.id)
		quit, err := h(spanCtx, s, args, w)
		span.End()
		if err != nil {
			s.logger.Error("command failed", "command", name, "error", err)
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("%w: writing results: %w", apperrors.ErrIO, err)
		}
		commands++
		if s.cfg.Timing {
			s.logger.Info("command timing", "command", name, "elapsed", time.Since(start))
			span.Log(s.logger)
		}
		if quit {
			s.logger.Info("session ended", "reason", "quit", "commands", commands)
			return nil
		}
	}
}

func (s *Session) separator(w *bufio.Writer) {
	w.WriteString(s.cfg.Separator)
	w.WriteByte('\n')
}

func handleGet(ctx context.Context, s *Session, args *tokens, w *bufio.Writer) (bool, error) {
	var p query.GetParams
	var err error
	if p.User, err = args.readUint32("user"); err != nil {
		return false, err
	}
	if p.Ad, err = args.readUint32("ad"); err != nil {
		return false, err
	}
	if p.Query, err = args.readUint32("query"); err != nil {
		return false, err
	}
	if p.Position, err = args.readUint8("position"); err != nil {
		return false, err
	}
	if p.Depth, err = args.readUint8("depth"); err != nil {
		return false, err
	}

	totals, err := s.q.Get(ctx, p)
	if err != nil {
		return false, err
	}
	s.separator(w)
	fmt.Fprintf(w, "%d %d\n", totals.Clicks, totals.Impressions)
	s.separator(w)
	return false, nil
}

func handleClicked(ctx context.Context, s *Session, args *tokens, w *bufio.Writer) (bool, error) {
	user, err := args.readUint32("user")
	if err != nil {
		return false, err
	}
	pairs, err := s.q.Clicked(ctx, user)
	if err != nil {
		return false, err
	}
	s.separator(w)
	for _, p := range pairs {
		fmt.Fprintf(w, "%d %d\n", p.Ad, p.Query)
	}
	s.separator(w)
	return false, nil
}

func handleImpressed(ctx context.Context, s *Session, args *tokens, w *bufio.Writer) (bool, error) {
	a, err := args.readUint32("user1")
	if err != nil {
		return false, err
	}
	b, err := args.readUint32("user2")
	if err != nil {
		return false, err
	}
	groups, err := s.q.Impressed(ctx, a, b)
	if err != nil {
		return false, err
	}
	s.separator(w)
	for _, g := range groups {
		fmt.Fprintf(w, "%d\n", g.Ad)
		for _, r := range g.Records {
			fmt.Fprintf(w, "\t%d %d %d %d %d\n",
				r.DisplayURL, r.AdvertiserID, r.KeywordID, r.TitleID, r.DescriptionID)
		}
	}
	s.separator(w)
	return false, nil
}

func handleProfit(ctx context.Context, s *Session, args *tokens, w *bufio.Writer) (bool, error) {
	ad, err := args.readUint32("ad")
	if err != nil {
		return false, err
	}
	threshold, err := args.readFloat("ctr")
	if err != nil {
		return false, err
	}
	users, err := s.q.Profit(ctx, ad, threshold)
	if err != nil {
		return false, err
	}
	s.separator(w)
	for _, u := range users {
		fmt.Fprintf(w, "%d\n", u)
	}
	s.separator(w)
	return false, nil
}

func handleQuit(context.Context, *Session, *tokens, *bufio.Writer) (bool, error) {
	return true, nil
}

// tokens is a whitespace-separated word stream.
type tokens struct {
	sc *bufio.Scanner
}

func newTokens(r io.Reader) *tokens {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)
	return &tokens{sc: sc}
}

func (t *tokens) next() (string, bool) {
	if !t.sc.Scan() {
		return "", false
	}
	return t.sc.Text(), true
}

func (t *tokens) err() error {
	return t.sc.Err()
}

func (t *tokens) uintN(name string, bits int) (uint64, error) {
	tok, ok := t.next()
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", apperrors.ErrMalformedCommand, name)
	}
	v, err := strconv.ParseUint(tok, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a %d-bit unsigned integer", apperrors.ErrMalformedCommand, name, tok, bits)
	}
	return v, nil
}

func (t *tokens) readUint32(name string) (uint32, error) {
	v, err := t.uintN(name, 32)
	return uint32(v), err
}

func (t *tokens) readUint8(name string) (uint8, error) {
	v, err := t.uintN(name, 8)
	return uint8(v), err
}

func (t *tokens) readFloat(name string) (float64, error) {
	tok, ok := t.next()
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", apperrors.ErrMalformedCommand, name)
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || v < 0 || math.IsNaN(v) {
		return 0, fmt.Errorf("%w: %s %q is not a non-negative number", apperrors.ErrMalformedCommand, name, tok)
	}
	return v, nil
}
