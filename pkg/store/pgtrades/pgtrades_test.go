package pgtrades

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docwallet/dwagent/pkg/contracts"
)

func TestRecord(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := New(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO doc_trades")).
		WithArgs("doc-1", "ETH/USDC", "BUY", "0.5", "2000", "1000", "1", "0", int64(1700000000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = m.Record(context.Background(), &contracts.Trade{
		DocID: "doc-1", Pair: "ETH/USDC", Side: "BUY",
		Qty: "0.5", Price: "2000", Notional: "1000",
		FeeUsd: "1", RealisedPnlUsd: "0", CreatedAt: 1700000000000,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVolumeByPair(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	m := New(db)
	rows := sqlmock.NewRows([]string{"pair", "sum"}).
		AddRow("ETH/USDC", "1500").
		AddRow("SUI/USDC", "200")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pair, SUM(notional)::TEXT FROM doc_trades")).
		WithArgs("doc-1").
		WillReturnRows(rows)

	vol, err := m.VolumeByPair(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ETH/USDC": "1500", "SUI/USDC": "200"}, vol)
	assert.NoError(t, mock.ExpectationsWereMet())
}
