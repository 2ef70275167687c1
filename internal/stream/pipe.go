package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// Source yields chunks until io.EOF.
type Source interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Pipe forwards src to the client in order and finalizes the relay exactly
// once. It returns the producer error, or nil on a clean end or when the
// client left.
func (r *Relay) Pipe(ctx context.Context, src Source) error {
	defer src.Close()
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.Complete()
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				r.Finish()
				return nil
			}
			r.Fail(http.StatusBadGateway, err)
			return err
		}
		if err := r.Write(chunk); err != nil {
			r.Finish()
			return nil
		}
	}
}
