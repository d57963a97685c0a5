package domain

// Customer links an internal account to the payment provider's customer.
type Customer struct {
	accountID          string
	tenantID           string
	providerCustomerID string
	providerSetupRef   string
}

func NewCustomer(accountID, tenantID, providerCustomerID, providerSetupRef string) (*Customer, error) {
	if accountID == "" {
		return nil, ErrInvalidAccountID
	}
	if tenantID == "" {
		return nil, ErrInvalidTenantID
	}
	return &Customer{
		accountID:          accountID,
		tenantID:           tenantID,
		providerCustomerID: providerCustomerID,
		providerSetupRef:   providerSetupRef,
	}, nil
}

func (c *Customer) AccountID() string          { return c.accountID }
func (c *Customer) TenantID() string           { return c.tenantID }
func (c *Customer) ProviderCustomerID() string { return c.providerCustomerID }
func (c *Customer) ProviderSetupRef() string   { return c.providerSetupRef }
