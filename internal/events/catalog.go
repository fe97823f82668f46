package events

// Event names shared by the persisted log, the socket fan-out and the relay.
const (
	MissionCreated       = "mission:created"
	MissionUpdated       = "mission:updated"
	MissionStatusChanged = "mission:status_changed"
	MissionDeleted       = "mission:deleted"
	PositionUpdate       = "operator_position_update"
	TransactionCreated   = "transaction_created"
	TransactionUpdated   = "transaction_updated"
	TransactionConfirmed = "transaction_confirmed"
	WithdrawalCreated    = "withdrawal_created"
	WithdrawalUpdated    = "withdrawal_updated_admin"
)

// Entity kinds stored alongside events.
const (
	EntityMission     = "mission"
	EntityTransaction = "transaction"
	EntityWithdrawal  = "withdrawal"
	EntityActor       = "actor"
)

// Financial reports whether name is a money-related event. Clients treat these
// as a signal to refetch rather than a delta to apply.
func Financial(name string) bool {
	switch name {
	case TransactionCreated, TransactionUpdated, TransactionConfirmed, WithdrawalCreated, WithdrawalUpdated:
		return true
	}
	return false
}
