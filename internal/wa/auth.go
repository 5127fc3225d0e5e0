package wa

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
	"go.mau.fi/whatsmeow"
	"go.uber.org/zap"
)

// ErrAlreadyPaired is returned by Pair when credentials exist.
var ErrAlreadyPaired = errors.New("whatsapp: already logged in")

// Pair links this client by QR code. Codes are streamed until the phone
// scans one, pairing fails or the codes time out; the channel is then
// closed.
func (a *Adapter) Pair(ctx context.Context) (<-chan remote.PairEvent, error) {
	if a.IsLoggedIn() {
		return nil, ErrAlreadyPaired
	}
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}

	out := make(chan remote.PairEvent, 10)
	go func() {
		defer close(out)

		// Connect must be called after GetQRChannel.
		if err := a.Connect(); err != nil {
			out <- remote.PairEvent{Type: remote.PairFailed, Message: err.Error()}
			return
		}

		for item := range qrChan {
			evt, terminal, ok := pairEvent(item)
			if !ok {
				continue
			}
			a.logger.Info("pairing event", zap.String("type", string(evt.Type)))
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			if terminal {
				return
			}
		}
	}()
	return out, nil
}

// pairEvent translates a QR channel item. ok is false for items that carry
// nothing for the caller.
func pairEvent(item whatsmeow.QRChannelItem) (evt remote.PairEvent, terminal, ok bool) {
	switch item.Event {
	case "code":
		return remote.PairEvent{Type: remote.PairCode, Code: item.Code}, false, true
	case "success":
		return remote.PairEvent{Type: remote.PairSuccess, Message: "authenticated"}, true, true
	case "timeout":
		return remote.PairEvent{Type: remote.PairTimeout, Message: "QR code timeout"}, true, true
	}
	if item.Error != nil {
		return remote.PairEvent{Type: remote.PairFailed, Message: item.Error.Error()}, true, true
	}
	if item.Event != "" {
		return remote.PairEvent{Type: remote.PairFailed, Message: item.Event}, true, true
	}
	return remote.PairEvent{}, false, false
}
