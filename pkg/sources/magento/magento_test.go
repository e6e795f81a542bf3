package magento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/TFMV/m2sync/pkg/core"
)

func testWindow(t *testing.T) core.Window {
	t.Helper()
	w, err := core.ParseWindow("2025-01-02", "2025-01-03")
	require.NoError(t, err)
	return w
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newTestClient(t *testing.T, url string, cfg Config, opts ...Option) *Client {
	t.Helper()
	cfg.BaseURL = url
	if cfg.AccessToken == "" && cfg.Username == "" {
		cfg.AccessToken = "secret"
	}
	c, err := NewClient(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://m2"}, nil)
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://m2/", AccessToken: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, c.cfg.PageSize)
	assert.Equal(t, "http://m2", c.cfg.BaseURL)
}

func TestAuthenticate_OTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case authPath:
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "admin", body["username"])
			assert.Equal(t, "pw", body["password"])
			assert.Equal(t, "123456", body["otp"])
			writeJSON(t, w, "issued-token")
		case ordersPath:
			assert.Equal(t, "Bearer issued-token", r.Header.Get("Authorization"))
			writeJSON(t, w, map[string]any{"items": []any{}, "total_count": 0})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	prompted := false
	c := newTestClient(t, srv.URL, Config{Username: "admin", Password: "pw"},
		WithOTPPrompt(func(context.Context) (string, error) {
			prompted = true
			return "123456\n", nil
		}))

	ds, err := NewOrdersSource(c, "").Fetch(context.Background(), testWindow(t))
	require.NoError(t, err)
	assert.True(t, prompted)
	assert.True(t, ds.Empty())
}

func TestAuthenticate_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Invalid code"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{Username: "admin", Password: "pw", OTP: "000000"})
	err := c.Authenticate(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "Invalid code")
}

func TestAuthenticate_NoOTP(t *testing.T) {
	c := newTestClient(t, "http://unused", Config{Username: "admin", Password: "pw"})
	assert.Error(t, c.Authenticate(context.Background()))
}

func TestOrders_PagingAndFormatting(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, ordersPath, r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "created_at", q.Get("searchCriteria[filter_groups][0][filters][0][field]"))
		assert.Equal(t, "2025-01-02 00:00:00", q.Get("searchCriteria[filter_groups][0][filters][0][value]"))
		assert.Equal(t, "2025-01-03 23:59:59", q.Get("searchCriteria[filter_groups][1][filters][0][value]"))
		assert.Equal(t, "1", q.Get("searchCriteria[pageSize]"))

		page, _ := strconv.Atoi(q.Get("searchCriteria[currentPage]"))
		orders := map[int]map[string]any{
			1: {
				"entity_id": 100, "created_at": "2025-01-02 10:00:00", "grand_total": 59.5,
				"order_currency_code": "USD", "status": "processing",
				"customer_firstname": "Ada", "customer_lastname": "Lovelace", "customer_email": "ada@example.com",
				"billing_address": map[string]any{"city": "London", "country_id": "GB"},
				"payment":         map[string]any{"method": "checkmo"},
				"items": []any{
					map[string]any{"item_id": 1, "name": "Shirt", "sku": "MS-01", "qty_ordered": 2, "price": 25.0, "row_total": 50.0},
					map[string]any{"item_id": 2, "name": "Hat", "sku": "MH-03", "qty_ordered": 1, "price": 9.5, "row_total": 9.5},
				},
			},
			2: {
				"entity_id": 101, "created_at": "2025-01-03 09:00:00", "grand_total": 10,
				"order_currency_code": "EUR", "status": "pending",
				"customer_firstname": "Guest", "customer_email": "g@example.com",
				"items": []any{
					map[string]any{"item_id": 7, "name": "Sock", "sku": "SK-1", "qty_ordered": 1, "price": 10, "row_total": 10},
				},
			},
		}
		o, ok := orders[page]
		if !ok {
			writeJSON(t, w, map[string]any{"items": []any{}, "total_count": 2})
			return
		}
		writeJSON(t, w, map[string]any{"items": []any{o}, "total_count": 2})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{PageSize: 1})
	ds, err := NewOrdersSource(c, "").Fetch(context.Background(), testWindow(t))
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&requests), "total_count stops paging")
	assert.Equal(t, OrderFields, ds.Fields())
	assert.Equal(t, []string{"100-1", "100-2", "101-7"}, ds.Identities())
	assert.NoError(t, ds.Validate())

	first := ds.At(0)
	assert.Equal(t, "100", first["Order_ID"])
	assert.Equal(t, "59.5 USD", first["Order_Total"])
	assert.Equal(t, "Ada Lovelace", first["Customer_Name"])
	assert.Equal(t, "London", first["City"])
	assert.Equal(t, "checkmo", first["Payment_Method"])
	assert.Equal(t, "2", first["Quantity"])
	assert.Equal(t, "25 USD", first["Price_per_Unit"])
	assert.Equal(t, "50 USD", first["Total_Item_Price"])

	guest := ds.At(2)
	assert.Equal(t, "Guest", guest["Customer_Name"])
	assert.Equal(t, "N/A", guest["Payment_Method"])
	assert.Equal(t, "", guest["City"])
}

func TestOrders_StopsOnEmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("searchCriteria[currentPage]")
		if page == "1" {
			writeJSON(t, w, map[string]any{"items": []any{
				map[string]any{"entity_id": 1, "items": []any{map[string]any{"item_id": 1}}},
			}})
			return
		}
		writeJSON(t, w, map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{})
	ds, err := NewOrdersSource(c, "").Fetch(context.Background(), testWindow(t))
	require.NoError(t, err)
	assert.Equal(t, 1, ds.Len())
}

func TestOrders_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{})
	_, err := NewOrdersSource(c, "").Fetch(context.Background(), testWindow(t))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestOrders_PageDelayHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"items": []any{
			map[string]any{"entity_id": 1, "items": []any{map[string]any{"item_id": 1}}},
		}, "total_count": 1000})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := newTestClient(t, srv.URL, Config{PageDelay: time.Hour})
	start := time.Now()
	_, err := NewOrdersSource(c, "").Fetch(ctx, testWindow(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCustomers_Formatting(t *testing.T) {
	var groupCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case customersPath:
			assert.Equal(t, "updated_at", r.URL.Query().Get("searchCriteria[filter_groups][0][filters][0][field]"))
			writeJSON(t, w, map[string]any{"total_count": 2, "items": []any{
				map[string]any{
					"id": 5, "email": "ada@example.com", "firstname": "Ada", "lastname": "Lovelace",
					"created_at": "2024-12-24 08:00:00", "updated_at": "2025-01-02 11:00:00", "group_id": 1,
					"extension_attributes": map[string]any{"is_subscribed": true},
					"custom_attributes": []any{
						map[string]any{"attribute_code": "company", "value": "Analytical Engines"},
						map[string]any{"attribute_code": "customer_activation", "value": "0"},
					},
					"addresses": []any{
						map[string]any{
							"city": "London", "country_id": "GB", "postcode": "W1", "telephone": "123",
							"street": []string{"1 Main St", "Flat 2"}, "region": map[string]any{"region": "Greater London"},
							"default_billing": true,
						},
						map[string]any{"city": "Paris", "country_id": "FR", "default_shipping": true},
					},
				},
				map[string]any{
					"id": 6, "email": "b@example.com", "firstname": "Bo", "lastname": "B",
					"created_at": "not a date", "group_id": 9,
				},
			}})
		case groupsPath:
			atomic.AddInt32(&groupCalls, 1)
			writeJSON(t, w, map[string]any{"items": []any{map[string]any{"id": 1, "code": "General"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	now := time.Date(2025, 1, 3, 8, 0, 0, 0, time.UTC)
	c := newTestClient(t, srv.URL, Config{}, WithClock(func() time.Time { return now }))

	ds, err := NewCustomersSource(c, "").Fetch(context.Background(), testWindow(t))
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&groupCalls))
	assert.Equal(t, CustomerFields, ds.Fields())
	assert.Equal(t, []string{"5", "6"}, ds.Identities())

	ada := ds.At(0)
	assert.Equal(t, "Ada Lovelace", ada["Full_Name"])
	assert.Equal(t, "General", ada["Group_Name"])
	assert.Equal(t, "True", ada["Is_Subscribed"])
	assert.Equal(t, "1 Main St Flat 2", ada["Billing_Street"])
	assert.Equal(t, "Greater London", ada["Billing_Region"])
	assert.Equal(t, "Paris", ada["Shipping_City"])
	assert.Equal(t, "Analytical Engines", ada["Company"])
	assert.Equal(t, "0", ada["Account_Status"])
	assert.Equal(t, "2", ada["Total_Address_Count"])
	assert.Equal(t, "10", ada["Account_Age_Days"])

	bo := ds.At(1)
	assert.Equal(t, "Group 9", bo["Group_Name"])
	assert.Equal(t, "False", bo["Is_Subscribed"])
	assert.Equal(t, "1", bo["Account_Status"])
	assert.Equal(t, "", bo["Account_Age_Days"])
	assert.Equal(t, "", bo["Billing_City"])
	assert.Equal(t, "0", bo["Total_Address_Count"])
}

func TestCustomers_GroupsFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == groupsPath {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(t, w, map[string]any{"total_count": 1, "items": []any{
			map[string]any{"id": 1, "group_id": 3},
		}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{})
	ds, err := NewCustomersSource(c, "").Fetch(context.Background(), testWindow(t))
	require.NoError(t, err)
	assert.Equal(t, "Group 3", ds.Value(0, "Group_Name"))
}

func TestAPIError_Message(t *testing.T) {
	err := &APIError{Method: "GET", URL: "/rest/V1/orders", StatusCode: 401, Body: "nope"}
	assert.Equal(t, fmt.Sprintf("magento GET /rest/V1/orders: status %d: nope", 401), err.Error())
}
