package events

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusFansOutToSinksAndSubscribers(t *testing.T) {
	rec := &Recorder{}
	bus := NewBus(rec, nil)
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	evt := Transfer{From: [20]byte{0x01}, To: [20]byte{0x02}, Amount: big.NewInt(10)}
	bus.Emit(evt)
	bus.Emit(evt)

	require.Equal(t, []string{TypeTransfer, TypeTransfer}, rec.Types())
	got := <-ch
	require.Equal(t, TypeTransfer, got.EventType())
	require.Equal(t, uint64(1), bus.Dropped())
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(0)
	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
	bus.Emit(Transfer{})
}

func TestRenderTransfer(t *testing.T) {
	rendered := Render(Transfer{Amount: big.NewInt(42), Memo: "escrow.release"})
	require.NotNil(t, rendered)
	require.Equal(t, TypeTransfer, rendered.Type)
	require.Equal(t, "42", rendered.Attributes["amount"])
	require.Equal(t, "escrow.release", rendered.Attributes["memo"])
	require.Nil(t, Render(nil))
}
