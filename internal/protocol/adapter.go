package protocol

import (
	"context"
	"errors"

	"ecowatt/telemetry/logging"
)

// Transport performs one frame exchange with the inverter endpoint. The
// HTTP client (with its own retry/backoff policy) lives in internal/cloud;
// this package only decides whether a response is trustworthy.
type Transport interface {
	ExchangeFrame(ctx context.Context, frameHex string) (string, error)
}

// Adapter wraps a Transport with frame validation and the single-retry
// policy for corrupted responses.
type Adapter struct {
	transport Transport
	slave     byte
	log       logging.Logger
}

func NewAdapter(transport Transport, slave byte, log logging.Logger) *Adapter {
	return &Adapter{transport: transport, slave: slave, log: log}
}

// ReadRegisters issues one contiguous read and returns the decoded values.
// A corrupted response is retried once; a second corruption drops the poll.
func (a *Adapter) ReadRegisters(ctx context.Context, startAddr, count uint16) ([]uint16, error) {
	frame := BuildReadFrame(a.slave, startAddr, count)
	raw, err := a.exchange(ctx, frame)
	if err != nil {
		return nil, err
	}
	return ParseReadResponse(raw)
}

// WriteRegister writes one register and validates the echo.
func (a *Adapter) WriteRegister(ctx context.Context, addr, value uint16) error {
	frame := BuildWriteFrame(a.slave, addr, value)
	raw, err := a.exchange(ctx, frame)
	if err != nil {
		return err
	}
	return ParseWriteResponse(raw)
}

func (a *Adapter) exchange(ctx context.Context, frameHex string) ([]byte, error) {
	resp, err := a.transport.ExchangeFrame(ctx, frameHex)
	if err != nil {
		return nil, err
	}
	raw, err := ValidateFrame(resp)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, ErrCorrupted) && !errors.Is(err, ErrEmpty) {
		return nil, err
	}
	a.log.WarnCtx(ctx, "corrupted inverter response, retrying once", "err", err)
	resp, err = a.transport.ExchangeFrame(ctx, frameHex)
	if err != nil {
		return nil, err
	}
	return ValidateFrame(resp)
}
