package domain

import (
	"fmt"
	"strings"
)

// Status is the canonical mission status token shared by the API, the event
// stream and the SDK.
type Status string

const (
	StatusPending       Status = "en_attente"
	StatusPublished     Status = "publiee"
	StatusAssigned      Status = "assignee"
	StatusAccepted      Status = "acceptee"
	StatusEnRoute       Status = "en_route"
	StatusOnSite        Status = "sur_place"
	StatusCompleted     Status = "terminee"
	StatusAdminCanceled Status = "annulee_admin"
	StatusClientCancel  Status = "annulee_client"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusPublished,
	StatusAssigned,
	StatusAccepted,
	StatusEnRoute,
	StatusOnSite,
	StatusCompleted,
	StatusAdminCanceled,
	StatusClientCancel,
}

// Action names the kind of actor intent behind a transition edge.
type Action string

const (
	ActionPublish      Action = "publish"
	ActionAssign       Action = "assign"
	ActionCancel       Action = "cancel"
	ActionComplete     Action = "complete"
	ActionProgress     Action = "progress"
	ActionClientCancel Action = "client_cancel"
)

// Permission keys checked by the transition gate and the API.
const (
	PermRequestsView       = "requests_view"
	PermRequestsCreate     = "requests_create"
	PermRequestsPublish    = "requests_publish"
	PermRequestsAssign     = "requests_assign"
	PermRequestsCancel     = "requests_cancel"
	PermRequestsComplete   = "requests_complete"
	PermRequestsDelete     = "requests_delete"
	PermTransactionsView   = "transactions_view"
	PermTransactionsManage = "transactions_manage"
	PermWithdrawalsView    = "withdrawals_view"
	PermWithdrawalsManage  = "withdrawals_manage"
	PermEventsView         = "events_view"
	PermDashboardView      = "can_view_dashboard"
)

// Permission returns the key an actor must hold to trigger the action. Progress
// and client cancellation are also open to the mission's own operator or client.
func (a Action) Permission() string {
	switch a {
	case ActionPublish:
		return PermRequestsPublish
	case ActionAssign:
		return PermRequestsAssign
	case ActionCancel, ActionClientCancel:
		return PermRequestsCancel
	case ActionComplete, ActionProgress:
		return PermRequestsComplete
	}
	return ""
}

// transitions is the adjacency table of the mission lifecycle.
var transitions = map[Status]map[Status]Action{
	StatusPending: {
		StatusPublished:    ActionPublish,
		StatusClientCancel: ActionClientCancel,
	},
	StatusPublished: {
		StatusAssigned:      ActionAssign,
		StatusAdminCanceled: ActionCancel,
		StatusClientCancel:  ActionClientCancel,
	},
	StatusAssigned: {
		StatusAccepted:      ActionProgress,
		StatusEnRoute:       ActionProgress,
		StatusOnSite:        ActionProgress,
		StatusCompleted:     ActionComplete,
		StatusAdminCanceled: ActionCancel,
		StatusClientCancel:  ActionClientCancel,
	},
	StatusAccepted: {
		StatusEnRoute:       ActionProgress,
		StatusOnSite:        ActionProgress,
		StatusCompleted:     ActionComplete,
		StatusAdminCanceled: ActionCancel,
		StatusClientCancel:  ActionClientCancel,
	},
	StatusEnRoute: {
		StatusOnSite:        ActionProgress,
		StatusCompleted:     ActionComplete,
		StatusAdminCanceled: ActionCancel,
		StatusClientCancel:  ActionClientCancel,
	},
	StatusOnSite: {
		StatusCompleted:     ActionComplete,
		StatusAdminCanceled: ActionCancel,
		StatusClientCancel:  ActionClientCancel,
	},
}

// ActionFor returns the action behind the edge from -> to, or false when the
// lifecycle has no such edge.
func ActionFor(from, to Status) (Action, bool) {
	a, ok := transitions[from][to]
	return a, ok
}

// Next lists the statuses reachable in one step from s.
func (s Status) Next() []Status {
	var out []Status
	for _, candidate := range AllStatuses {
		if _, ok := transitions[s][candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Active reports whether an operator is working the mission.
func (s Status) Active() bool {
	switch s {
	case StatusAssigned, StatusAccepted, StatusEnRoute, StatusOnSite:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// accented spellings seen in older clients, mapped to the canonical token
var misspelled = map[string]Status{
	"publiée":        StatusPublished,
	"assignée":       StatusAssigned,
	"acceptée":       StatusAccepted,
	"terminée":       StatusCompleted,
	"annulée_admin":  StatusAdminCanceled,
	"annulée_client": StatusClientCancel,
}

// ParseStatus accepts only canonical tokens. Known accented variants are
// rejected with a message naming the canonical spelling.
func ParseStatus(raw string) (Status, error) {
	token := strings.TrimSpace(raw)
	s := Status(token)
	if s.Valid() {
		return s, nil
	}
	if canonical, ok := misspelled[strings.ToLower(token)]; ok {
		return "", fmt.Errorf("invalid status %q: use canonical token %q", raw, canonical)
	}
	return "", fmt.Errorf("invalid status %q", raw)
}
