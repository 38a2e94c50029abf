package engine

// GasMeter prices one create call in abstract work units. The fee
// market smooths these readings; makers repay them with headroom.
type GasMeter interface {
	// CreateCost returns the work units consumed by a create: escrow
	// pull, fee pull, and the storage write.
	CreateCost(payloadBytes int) uint64
}

// Deterministic per-operation work prices. Chosen so a create lands in
// the same range as the transfer-dominated execution cost it stands
// in for.
const (
	costCreateBase   = 21_000
	costTransfer     = 65_000
	costStorageWrite = 20_000
	costPerByte      = 16
)

// DeterministicMeter charges fixed prices per sub-operation plus a
// per-byte term for the stored record.
type DeterministicMeter struct{}

// NewDeterministicMeter returns the default meter.
func NewDeterministicMeter() *DeterministicMeter {
	return &DeterministicMeter{}
}

func (m *DeterministicMeter) CreateCost(payloadBytes int) uint64 {
	return costCreateBase + 2*costTransfer + costStorageWrite + costPerByte*uint64(payloadBytes)
}
