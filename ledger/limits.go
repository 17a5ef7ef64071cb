package ledger

import (
	"math/big"

	"github.com/go-errors/errors"
)

// Limits is the balance configuration shared by all accounts of one
// plugin instance. A nil SettleThreshold means the plugin never settles
// (receive-only mode).
type Limits struct {
	Minimum         *big.Int
	Maximum         *big.Int
	SettleTo        *big.Int
	SettleThreshold *big.Int
}

// Validate checks the ordering of the limits. A violation is fatal at
// startup.
func (l *Limits) Validate() error {
	if l.Minimum == nil || l.Maximum == nil || l.SettleTo == nil {
		return errors.New("Minimum, maximum and settleTo must be set")
	}

	if l.Minimum.Cmp(l.Maximum) > 0 {
		return errors.Errorf("Minimum %v must not exceed maximum %v", l.Minimum, l.Maximum)
	}

	if l.SettleTo.Cmp(l.Minimum) < 0 || l.SettleTo.Cmp(l.Maximum) > 0 {
		return errors.Errorf("SettleTo %v must lie within [%v, %v]", l.SettleTo, l.Minimum, l.Maximum)
	}

	if l.SettleThreshold != nil {
		if l.SettleThreshold.Cmp(l.Minimum) < 0 || l.SettleThreshold.Cmp(l.SettleTo) > 0 {
			return errors.Errorf("SettleThreshold %v must lie within [%v, %v]",
				l.SettleThreshold, l.Minimum, l.SettleTo)
		}
	}

	return nil
}
