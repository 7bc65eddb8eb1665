package main

import (
	"errors"
	"fmt"
	"log/slog"

	"escrowchain/config"
	"escrowchain/core/events"
	"escrowchain/native/bank"
	"escrowchain/native/common"
	"escrowchain/native/escrow"
	"escrowchain/observability/metrics"
	"escrowchain/storage"
)

var genesisMarker = []byte("escrowd/genesis-applied")

// Node wires the bank ledger, escrow engine and notification bus over one
// staged state database, so each call commits as a single batch.
type Node struct {
	db         *storage.Staged
	bus        *events.Bus
	ledger     *bank.Ledger
	engine     *escrow.Engine
	dispatcher *escrow.Dispatcher
	pauses     *common.Pauses
}

// NewNode builds the node. Every notification from the ledger or the engine
// reaches the bus, which forwards to sinks and stream subscribers.
func NewNode(db storage.Database, pauses *common.Pauses, sinks ...events.Emitter) *Node {
	if pauses == nil {
		pauses = common.NewPauses(nil)
	}
	state := storage.NewStaged(db)
	bus := events.NewBus(sinks...)
	ledger := bank.NewLedger(state, bus)
	engine := escrow.NewEngine(escrow.NewKVStore(state), ledger)
	engine.SetEmitter(bus)
	return &Node{
		db:         state,
		bus:        bus,
		ledger:     ledger,
		engine:     engine,
		dispatcher: escrow.NewDispatcher(engine, ledger, pauses),
		pauses:     pauses,
	}
}

// ApplyGenesis funds balances and deploys the listed escrows once per state
// database, committing them together with the applied marker. Later boots
// skip it.
func (n *Node) ApplyGenesis(g *config.Genesis, logger *slog.Logger) error {
	if g == nil {
		return nil
	}
	applied, err := n.db.Has(genesisMarker)
	if err != nil {
		return err
	}
	if applied {
		logger.Info("genesis already applied")
		return nil
	}
	allocs, err := g.Allocations()
	if err != nil {
		return err
	}
	deployments, err := g.Deployments()
	if err != nil {
		return err
	}
	return n.db.Atomic(func() error {
		for _, alloc := range allocs {
			if err := n.ledger.Credit(alloc.Address, alloc.Amount); err != nil {
				return fmt.Errorf("genesis: credit: %w", err)
			}
		}
		for i, d := range deployments {
			acc, err := n.engine.Create(d.Creator, d.Params, d.Deposit)
			if err != nil {
				return fmt.Errorf("genesis: escrows[%d]: %w", i, err)
			}
			logger.Info("genesis escrow deployed", "escrow", fmt.Sprintf("0x%x", acc.ID[:]))
		}
		return n.db.Put(genesisMarker, []byte{1})
	})
}

// RefreshStateGauge recounts escrows per lifecycle state.
func (n *Node) RefreshStateGauge() error {
	counts := make(map[string]int)
	err := n.engine.List(func(acc *escrow.Account) bool {
		counts[acc.State.String()]++
		return true
	})
	if err != nil {
		return err
	}
	metrics.Escrow().SetStateCounts(counts)
	return nil
}

// Close releases the state database.
func (n *Node) Close() error {
	if n == nil || n.db == nil {
		return errors.New("escrowd: node not initialised")
	}
	n.db.Close()
	return nil
}
