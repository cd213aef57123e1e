package orders

import (
	"fmt"
	"strings"
)

// ContractID names a single futures contract: an instrument plus a delivery
// month in YYYYMM form, e.g. EDOLLAR/202612.
type ContractID struct {
	Instrument string `json:"instrument"`
	Expiry     string `json:"expiry"`
}

func NewContractID(instrument, expiry string) ContractID {
	return ContractID{
		Instrument: strings.ToUpper(strings.TrimSpace(instrument)),
		Expiry:     strings.TrimSpace(expiry),
	}
}

func (c ContractID) String() string {
	return c.Instrument + "/" + c.Expiry
}

func (c ContractID) IsZero() bool {
	return c.Instrument == "" && c.Expiry == ""
}

func (c ContractID) Validate() error {
	if strings.TrimSpace(c.Instrument) == "" {
		return fmt.Errorf("contract id missing instrument")
	}
	if len(c.Expiry) != 6 {
		return fmt.Errorf("contract expiry must be YYYYMM, got %q", c.Expiry)
	}
	for _, r := range c.Expiry {
		if r < '0' || r > '9' {
			return fmt.Errorf("contract expiry must be YYYYMM, got %q", c.Expiry)
		}
	}
	month := c.Expiry[4:]
	if month < "01" || month > "12" {
		return fmt.Errorf("contract expiry month out of range: %q", c.Expiry)
	}
	return nil
}

// ParseContractID parses the INSTRUMENT/YYYYMM wire form.
func ParseContractID(s string) (ContractID, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return ContractID{}, fmt.Errorf("bad contract id %q, want INSTRUMENT/YYYYMM", s)
	}
	id := NewContractID(parts[0], parts[1])
	if err := id.Validate(); err != nil {
		return ContractID{}, err
	}
	return id, nil
}
