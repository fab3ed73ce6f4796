// Copyright 2025 Matthew Gall <me@matthewgall.dev>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ResourceKey identifies one remote resource fetched in a refresh cycle
type ResourceKey string

const (
	ResourceAccountInfo           ResourceKey = "account_info"
	ResourceMeterIndex            ResourceKey = "meter_index"
	ResourceConsumptionConvention ResourceKey = "consumption_convention"
	ResourceAnnualComparison      ResourceKey = "annual_comparison"
	ResourceHistory               ResourceKey = "history"
	ResourceInvoiceBalance        ResourceKey = "invoice_balance"
	ResourcePayments              ResourceKey = "payments"
	ResourceProsumerInvoices      ResourceKey = "prosumer_invoices"
	ResourceProsumerBalance       ResourceKey = "prosumer_balance"
)

type resourceShape int

const (
	shapeObject resourceShape = iota
	shapeList
	// shapeAny - payload layout is not relied on anywhere
	shapeAny
)

type queryParam struct {
	Name  string
	Value string // "{account}" is replaced with the account contract
}

type resourceDef struct {
	Key       ResourceKey
	Path      string
	Query     []queryParam
	Shape     resourceShape
	Paginated bool
	Essential bool
}

const accountPlaceholder = "{account}"

var resourceDefs = map[ResourceKey]resourceDef{
	ResourceAccountInfo: {
		Key:       ResourceAccountInfo,
		Path:      "/partners/v2/account-contracts/{account}",
		Shape:     shapeObject,
		Essential: true,
	},
	ResourceMeterIndex: {
		Key:       ResourceMeterIndex,
		Path:      "/meterreadings/v1/meter-reading/{account}/index",
		Shape:     shapeObject,
		Essential: true,
	},
	ResourceConsumptionConvention: {
		Key:   ResourceConsumptionConvention,
		Path:  "/meterreadings/v1/consumption-convention/{account}",
		Shape: shapeAny,
	},
	ResourceAnnualComparison: {
		Key:   ResourceAnnualComparison,
		Path:  "/invoices/v1/invoices/graphic-consumption/{account}",
		Shape: shapeAny,
	},
	ResourceHistory: {
		Key:   ResourceHistory,
		Path:  "/meterreadings/v1/meter-reading/{account}/history",
		Shape: shapeObject,
	},
	ResourceInvoiceBalance: {
		Key:  ResourceInvoiceBalance,
		Path: "/invoices/v1/invoices/list",
		Query: []queryParam{
			{Name: "accountContract", Value: accountPlaceholder},
			{Name: "status", Value: "unpaid"},
		},
		Shape: shapeList,
	},
	ResourcePayments: {
		Key:       ResourcePayments,
		Path:      "/invoices/v1/payments/payment-list",
		Query:     []queryParam{{Name: "accountContract", Value: accountPlaceholder}},
		Shape:     shapeList,
		Paginated: true,
	},
	ResourceProsumerInvoices: {
		Key:       ResourceProsumerInvoices,
		Path:      "/invoices/v1/invoices/list-prosum",
		Query:     []queryParam{{Name: "accountContract", Value: accountPlaceholder}},
		Shape:     shapeList,
		Paginated: true,
	},
	ResourceProsumerBalance: {
		Key:   ResourceProsumerBalance,
		Path:  "/invoices/v1/invoices/invoice-balance-prosum",
		Query: []queryParam{{Name: "accountContract", Value: accountPlaceholder}},
		Shape: shapeAny,
	},
}

// CoreResources are fetched on every cycle, in snapshot order
var CoreResources = []ResourceKey{
	ResourceAccountInfo,
	ResourceMeterIndex,
	ResourceConsumptionConvention,
	ResourceAnnualComparison,
	ResourceHistory,
	ResourceInvoiceBalance,
	ResourcePayments,
}

// ProsumerResources are fetched only for accounts that also produce energy
var ProsumerResources = []ResourceKey{
	ResourceProsumerInvoices,
	ResourceProsumerBalance,
}

// EssentialResources must all be present for a snapshot to be usable
func EssentialResources() []ResourceKey {
	var keys []ResourceKey
	for _, key := range append(append([]ResourceKey{}, CoreResources...), ProsumerResources...) {
		if resourceDefs[key].Essential {
			keys = append(keys, key)
		}
	}
	return keys
}

// endpoint renders the request path and query for an account. page is only
// added for paginated resources.
func (d resourceDef) endpoint(account string, page int) string {
	path := strings.ReplaceAll(d.Path, accountPlaceholder, url.PathEscape(account))

	values := url.Values{}
	for _, q := range d.Query {
		values.Set(q.Name, strings.ReplaceAll(q.Value, accountPlaceholder, account))
	}
	if d.Paginated {
		values.Set("page", strconv.Itoa(page))
	}

	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

// accepts reports whether a payload has the layout the rest of the
// application expects for this resource
func (d resourceDef) accepts(payload []byte) bool {
	if !gjson.ValidBytes(payload) {
		return false
	}
	parsed := gjson.ParseBytes(payload)
	if parsed.Type == gjson.Null {
		return false
	}
	switch d.Shape {
	case shapeObject:
		return parsed.IsObject()
	case shapeList:
		return parsed.IsArray()
	default:
		return parsed.Exists()
	}
}
