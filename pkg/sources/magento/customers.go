package magento

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TFMV/m2sync/pkg/core"
	"github.com/TFMV/m2sync/pkg/sources"
)

const (
	customersPath = "/rest/V1/customers/search"
	groupsPath    = "/rest/V1/customerGroups/search"
)

// CustomerFields is the column order of the customers dataset.
var CustomerFields = []string{
	"Customer_ID", "Email", "First_Name", "Last_Name", "Full_Name",
	"Created_At", "Updated_At", "Group_ID", "Group_Name", "Is_Subscribed",
	"Billing_Street", "Billing_City", "Billing_Region", "Billing_Postcode", "Billing_Country", "Billing_Telephone",
	"Shipping_Street", "Shipping_City", "Shipping_Region", "Shipping_Postcode", "Shipping_Country", "Shipping_Telephone",
	"Gender", "Date_Of_Birth", "VAT_Number", "Company", "Account_Status",
	"Total_Address_Count", "Account_Age_Days",
}

// magentoTimeLayout is how Magento renders created_at and updated_at.
const magentoTimeLayout = "2006-01-02 15:04:05"

type customer struct {
	ID                  any                 `json:"id"`
	Email               string              `json:"email"`
	Firstname           string              `json:"firstname"`
	Lastname            string              `json:"lastname"`
	CreatedAt           string              `json:"created_at"`
	UpdatedAt           string              `json:"updated_at"`
	GroupID             any                 `json:"group_id"`
	CustomAttributes    []customAttribute   `json:"custom_attributes"`
	ExtensionAttributes extensionAttributes `json:"extension_attributes"`
	Addresses           []customerAddress   `json:"addresses"`
}

type customAttribute struct {
	AttributeCode string `json:"attribute_code"`
	Value         any    `json:"value"`
}

type extensionAttributes struct {
	IsSubscribed bool `json:"is_subscribed"`
}

type customerAddress struct {
	City            string   `json:"city"`
	CountryID       string   `json:"country_id"`
	Postcode        string   `json:"postcode"`
	Telephone       string   `json:"telephone"`
	Street          []string `json:"street"`
	Region          region   `json:"region"`
	DefaultBilling  bool     `json:"default_billing"`
	DefaultShipping bool     `json:"default_shipping"`
}

type region struct {
	Region string `json:"region"`
}

type customerGroup struct {
	ID   any    `json:"id"`
	Code string `json:"code"`
}

// CustomersSource fetches customers updated within the window.
type CustomersSource struct {
	client   *Client
	identity string
}

var _ sources.Source = (*CustomersSource)(nil)

// NewCustomersSource creates a customers source. An empty identity defaults
// to Customer_ID.
func NewCustomersSource(client *Client, identity string) *CustomersSource {
	if identity == "" {
		identity = "Customer_ID"
	}
	return &CustomersSource{client: client, identity: identity}
}

func (s *CustomersSource) Name() string { return "customers" }

func (s *CustomersSource) Identity() string { return s.identity }

func (s *CustomersSource) Fetch(ctx context.Context, w core.Window) (*core.Dataset, error) {
	customers, err := fetchAll[customer](ctx, s.client, customersPath, "updated_at", w)
	if err != nil {
		return nil, err
	}

	b := core.NewDatasetBuilder(s.identity, CustomerFields...)
	if len(customers) == 0 {
		return b.Build(), nil
	}

	groups := s.client.customerGroups(ctx)
	now := s.client.now()
	for i, c := range customers {
		if i%50 == 0 {
			s.client.logger.Debug("Formatting customers", zap.Int("done", i), zap.Int("total", len(customers)))
		}
		formatCustomer(b, c, groups, now)
	}
	return b.Build(), nil
}

// customerGroups maps group ids to codes. Failures are logged and yield an
// empty map; names then fall back to "Group <id>".
func (c *Client) customerGroups(ctx context.Context) map[string]string {
	q := url.Values{}
	q.Set("searchCriteria[pageSize]", "100")

	var result searchResult[customerGroup]
	if err := c.get(ctx, groupsPath, q, &result); err != nil {
		c.logger.Warn("Failed to fetch customer groups", zap.Error(err))
		return map[string]string{}
	}

	groups := make(map[string]string, len(result.Items))
	for _, g := range result.Items {
		groups[core.NormalizeIdentity(g.ID)] = g.Code
	}
	c.logger.Info("Fetched customer groups", zap.Int("count", len(groups)))
	return groups
}

func formatCustomer(b *core.DatasetBuilder, c customer, groups map[string]string, now time.Time) {
	attrs := make(map[string]any, len(c.CustomAttributes))
	for _, a := range c.CustomAttributes {
		attrs[a.AttributeCode] = a.Value
	}
	attr := func(code, def string) any {
		if v, ok := attrs[code]; ok {
			return v
		}
		return def
	}

	var billing, shipping *customerAddress
	for i := range c.Addresses {
		a := &c.Addresses[i]
		if a.DefaultBilling {
			billing = a
		}
		if a.DefaultShipping {
			shipping = a
		}
	}

	groupID := core.NormalizeIdentity(c.GroupID)
	groupName, ok := groups[groupID]
	if !ok {
		groupName = "Group " + groupID
	}

	row := map[string]any{
		"Customer_ID":         c.ID,
		"Email":               c.Email,
		"First_Name":          c.Firstname,
		"Last_Name":           c.Lastname,
		"Full_Name":           c.Firstname + " " + c.Lastname,
		"Created_At":          c.CreatedAt,
		"Updated_At":          c.UpdatedAt,
		"Group_ID":            c.GroupID,
		"Group_Name":          groupName,
		"Is_Subscribed":       c.ExtensionAttributes.IsSubscribed,
		"Gender":              attr("gender", ""),
		"Date_Of_Birth":       attr("dob", ""),
		"VAT_Number":          attr("vat_id", ""),
		"Company":             attr("company", ""),
		"Account_Status":      attr("customer_activation", "1"),
		"Total_Address_Count": len(c.Addresses),
		"Account_Age_Days":    accountAgeDays(c.CreatedAt, now),
	}
	addAddress(row, "Billing", billing)
	addAddress(row, "Shipping", shipping)
	b.Add(row)
}

func addAddress(row map[string]any, prefix string, a *customerAddress) {
	if a == nil {
		a = &customerAddress{}
	}
	row[prefix+"_Street"] = strings.Join(a.Street, " ")
	row[prefix+"_City"] = a.City
	row[prefix+"_Region"] = a.Region.Region
	row[prefix+"_Postcode"] = a.Postcode
	row[prefix+"_Country"] = a.CountryID
	row[prefix+"_Telephone"] = a.Telephone
}

// accountAgeDays returns whole days between createdAt and now, or nil when
// createdAt cannot be parsed.
func accountAgeDays(createdAt string, now time.Time) any {
	created, err := time.Parse(magentoTimeLayout, createdAt)
	if err != nil {
		if created, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil
		}
	}
	return int64(now.Sub(created).Hours() / 24)
}
