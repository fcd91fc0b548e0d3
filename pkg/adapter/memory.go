package adapter

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Adapter used by tests and local runs. Indices
// are stable append positions.
type Memory struct {
	mu   sync.Mutex
	docs map[string]*memoryDoc
	refs []DocumentRef
}

type memoryDoc struct {
	tables Tables
}

// NewMemory returns an empty in-process adapter.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*memoryDoc)}
}

// AddDocument registers a document so it shows up in discovery.
func (m *Memory) AddDocument(docID, displayName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; ok {
		return
	}
	m.docs[docID] = &memoryDoc{}
	m.refs = append(m.refs, DocumentRef{DocID: docID, DisplayName: displayName})
}

// AddUserCommand simulates a human typing a command row.
func (m *Memory) AddUserCommand(docID, cmdID, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[docID]
	if d == nil {
		return
	}
	d.tables.Commands = append(d.tables.Commands, CommandRow{
		Index: len(d.tables.Commands), CmdID: cmdID, Raw: raw,
	})
}

// InsertUserCommand simulates a human inserting a command row above
// existing ones; rows below shift down and re-index.
func (m *Memory) InsertUserCommand(docID string, at int, cmdID, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[docID]
	if d == nil {
		return
	}
	if at < 0 {
		at = 0
	}
	if at > len(d.tables.Commands) {
		at = len(d.tables.Commands)
	}
	rows := make([]CommandRow, 0, len(d.tables.Commands)+1)
	rows = append(rows, d.tables.Commands[:at]...)
	rows = append(rows, CommandRow{CmdID: cmdID, Raw: raw})
	rows = append(rows, d.tables.Commands[at:]...)
	for i := range rows {
		rows[i].Index = i
	}
	d.tables.Commands = rows
}

// AddChatMessage simulates a human chat row awaiting an agent reply.
func (m *Memory) AddChatMessage(docID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[docID]
	if d == nil {
		return
	}
	d.tables.Chat = append(d.tables.Chat, ChatRow{Index: len(d.tables.Chat), User: text})
}

// SetConfig seeds config rows directly.
func (m *Memory) SetConfig(docID string, entries ...ConfigEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.docs[docID]
	if d == nil {
		return
	}
	for _, e := range entries {
		d.tables.Config = upsertConfig(d.tables.Config, e)
	}
}

func upsertConfig(rows []ConfigRow, e ConfigEntry) []ConfigRow {
	for i := range rows {
		if rows[i].Key == e.Key {
			rows[i].Value = e.Value
			return rows
		}
	}
	return append(rows, ConfigRow{Index: len(rows), Key: e.Key, Value: e.Value})
}

func (m *Memory) get(docID string) (*memoryDoc, error) {
	d := m.docs[docID]
	if d == nil {
		return nil, fmt.Errorf("%w: unknown document %s", ErrPermanent, docID)
	}
	return d, nil
}

func (m *Memory) ListTrackedDocuments(context.Context) ([]DocumentRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DocumentRef, len(m.refs))
	copy(out, m.refs)
	return out, nil
}

func (m *Memory) LoadTables(_ context.Context, docID string) (*Tables, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return nil, err
	}
	t := Tables{
		Config:   append([]ConfigRow(nil), d.tables.Config...),
		Commands: append([]CommandRow(nil), d.tables.Commands...),
		Balances: append([]BalanceRow(nil), d.tables.Balances...),
		Audit:    append([]AuditRow(nil), d.tables.Audit...),
		Activity: append([]ActivityRow(nil), d.tables.Activity...),
		Orders:   append([]OrderRow(nil), d.tables.Orders...),
		Sessions: append([]SessionRow(nil), d.tables.Sessions...),
		Chat:     append([]ChatRow(nil), d.tables.Chat...),
	}
	return &t, nil
}

func (m *Memory) AppendCommandRow(_ context.Context, docID string, row CommandRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return err
	}
	row.Index = len(d.tables.Commands)
	d.tables.Commands = append(d.tables.Commands, row)
	return nil
}

func (m *Memory) UpdateCommandRow(_ context.Context, docID string, rowIndex int, patch CommandPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return err
	}
	if rowIndex < 0 || rowIndex >= len(d.tables.Commands) {
		return fmt.Errorf("%w: command row %d out of range", ErrTransient, rowIndex)
	}
	row := &d.tables.Commands[rowIndex]
	if patch.Status != nil {
		row.Status = *patch.Status
	}
	if patch.ApprovalURL != nil {
		row.ApprovalURL = *patch.ApprovalURL
	}
	if patch.Result != nil {
		row.Result = *patch.Result
	}
	if patch.Error != nil {
		row.Error = *patch.Error
	}
	return nil
}

func (m *Memory) AppendAuditRow(_ context.Context, docID, timestampISO, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return err
	}
	d.tables.Audit = append(d.tables.Audit, AuditRow{
		Index: len(d.tables.Audit), Timestamp: timestampISO, Message: message,
	})
	return nil
}

func (m *Memory) AppendActivityRow(_ context.Context, docID, timestampISO, kind, details, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return err
	}
	d.tables.Activity = append(d.tables.Activity, ActivityRow{
		Index: len(d.tables.Activity), Timestamp: timestampISO,
		Type: kind, Details: details, TxRef: txRef,
	})
	return nil
}

func (m *Memory) WriteConfigBatch(_ context.Context, docID string, entries []ConfigEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		d.tables.Config = upsertConfig(d.tables.Config, e)
	}
	return nil
}

func (m *Memory) WriteBalancesSnapshot(_ context.Context, docID string, rows []BalanceRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return err
	}
	d.tables.Balances = append([]BalanceRow(nil), rows...)
	for i := range d.tables.Balances {
		d.tables.Balances[i].Index = i
	}
	return nil
}

func (m *Memory) WriteOpenOrders(_ context.Context, docID string, rows []OrderRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return err
	}
	d.tables.Orders = append([]OrderRow(nil), rows...)
	for i := range d.tables.Orders {
		d.tables.Orders[i].Index = i
	}
	return nil
}

func (m *Memory) AppendChatReply(_ context.Context, docID string, rowIndex int, reply string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(docID)
	if err != nil {
		return err
	}
	if rowIndex < 0 || rowIndex >= len(d.tables.Chat) {
		return fmt.Errorf("%w: chat row %d out of range", ErrTransient, rowIndex)
	}
	d.tables.Chat[rowIndex].Agent = reply
	return nil
}
