package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.TransactionProcessed("REPAYMENT")
	c.TransactionProcessed("REPAYMENT")
	c.TransactionProcessed("DISBURSEMENT")
	c.EntriesPosted(4)
	c.EntriesPosted(0)
	c.Rejected("error.msg.loan.transaction.amount.invalid")
	c.Replayed(3)
	c.LockWaited(2 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.transactions.WithLabelValues("REPAYMENT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.transactions.WithLabelValues("DISBURSEMENT")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.entries))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.replays))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rejected.WithLabelValues("error.msg.loan.transaction.amount.invalid")))

	expected := `
# HELP loan_ledger_replays_total Reverse-and-replay runs triggered by backdated or reversed transactions.
# TYPE loan_ledger_replays_total counter
loan_ledger_replays_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "loan_ledger_replays_total"))
	assert.Equal(t, 6, testutil.CollectAndCount(c.transactions)+testutil.CollectAndCount(c.rejected)+
		testutil.CollectAndCount(c.replays)+testutil.CollectAndCount(c.entries)+testutil.CollectAndCount(c.lockWait))
}

func TestNew_NilRegisterer(t *testing.T) {
	c := New(nil)
	c.Replayed(1)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.replays))
}

func TestNew_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
