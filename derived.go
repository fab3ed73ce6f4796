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
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ContractSummary describes the supply contract from account_info
type ContractSummary struct {
	AccountContract            string   `json:"account_contract"`
	ConsumptionPointCode       string   `json:"consumption_point_code,omitempty"`
	POD                        string   `json:"pod,omitempty"`
	DistributorName            string   `json:"distributor_name,omitempty"`
	ContractualPrice           *float64 `json:"contractual_price,omitempty"`
	ContractualPriceWithVAT    *float64 `json:"contractual_price_with_vat,omitempty"`
	SupplierPrice              *float64 `json:"supplier_price,omitempty"`
	DistributionPrice          *float64 `json:"distribution_price,omitempty"`
	TransportPrice             *float64 `json:"transport_price,omitempty"`
	PCS                        string   `json:"pcs,omitempty"`
	Address                    string   `json:"address,omitempty"`
	VerificationExpirationDate string   `json:"verification_expiration_date,omitempty"`
	RevisionStartDate          string   `json:"revision_start_date,omitempty"`
	RevisionExpirationDate     string   `json:"revision_expiration_date,omitempty"`
}

// ReadingPeriod is the window in which a self-reading is accepted
type ReadingPeriod struct {
	StartDate          string `json:"start_date,omitempty"`
	EndDate            string `json:"end_date,omitempty"`
	AllowedReading     *bool  `json:"allowed_reading,omitempty"`
	AllowChange        *bool  `json:"allow_change,omitempty"`
	SmartDevice        *bool  `json:"smart_device,omitempty"`
	CurrentReadingType string `json:"current_reading_type,omitempty"`
	ReadingTypeLabel   string `json:"reading_type_label,omitempty"`
}

// DeviceIndex is the current index of one meter
type DeviceIndex struct {
	DeviceNumber     string   `json:"device_number"`
	Value            *float64 `json:"value,omitempty"`
	CurrentValue     *float64 `json:"current_value,omitempty"`
	OldValue         *float64 `json:"old_value,omitempty"`
	MinValue         *float64 `json:"min_value,omitempty"`
	SentAt           string   `json:"sent_at,omitempty"`
	CanBeChangedTill string   `json:"can_be_changed_till,omitempty"`
	Ablbelnr         string   `json:"ablbelnr,omitempty"`
}

type MeterIndexSummary struct {
	Devices       []DeviceIndex `json:"devices"`
	ReadingPeriod ReadingPeriod `json:"reading_period"`
}

// UnpaidInvoice is one invoice with an outstanding amount
type UnpaidInvoice struct {
	Amount       float64 `json:"amount"`
	IssuedValue  float64 `json:"issued_value"`
	BalanceValue float64 `json:"balance_value"`
	MaturityDate string  `json:"maturity_date,omitempty"`
	DaysUntilDue *int    `json:"days_until_due,omitempty"`
}

// Overdue reports whether the due date has passed
func (u UnpaidInvoice) Overdue() bool {
	return u.DaysUntilDue != nil && *u.DaysUntilDue < 0
}

type InvoiceSummary struct {
	HasUnpaid   bool            `json:"has_unpaid"`
	TotalUnpaid float64         `json:"total_unpaid"`
	Invoices    []UnpaidInvoice `json:"invoices"`
}

// Payment is one recorded payment. Month is 0 when the date does not parse.
type Payment struct {
	Date  string  `json:"date"`
	Month int     `json:"month,omitempty"`
	Value float64 `json:"value"`
}

// YearPayments groups payments by the year of their payment date
type YearPayments struct {
	Year     string    `json:"year"`
	Count    int       `json:"count"`
	Total    float64   `json:"total"`
	Payments []Payment `json:"payments"`
}

type HistoryReading struct {
	Month            int     `json:"month"`
	Value            float64 `json:"value"`
	ReadingType      string  `json:"reading_type,omitempty"`
	ReadingTypeLabel string  `json:"reading_type_label,omitempty"`
}

// HistoryYear holds the readings recorded in one year. ReadingCount counts the
// readings of the first register of the first meter.
type HistoryYear struct {
	Year         string           `json:"year"`
	ReadingCount int              `json:"reading_count"`
	Readings     []HistoryReading `json:"readings"`
}

// SnapshotSummary is everything the dashboard and CLI show for a snapshot
type SnapshotSummary struct {
	AccountContract string             `json:"account_contract"`
	CycleID         string             `json:"cycle_id"`
	FetchedAt       time.Time          `json:"fetched_at"`
	Missing         int                `json:"missing"`
	Contract        *ContractSummary   `json:"contract,omitempty"`
	MeterIndex      *MeterIndexSummary `json:"meter_index,omitempty"`
	MeterRef        string             `json:"meter_ref,omitempty"`
	Invoices        *InvoiceSummary    `json:"invoices,omitempty"`
	Payments        []YearPayments     `json:"payments,omitempty"`
	History         []HistoryYear      `json:"history,omitempty"`
	ProsumerBalance json.RawMessage    `json:"prosumer_balance,omitempty"`
}

// Summarize derives every read-only value the snapshot supports. Values for
// absent resources are left empty.
func (s *Snapshot) Summarize(now time.Time) SnapshotSummary {
	summary := SnapshotSummary{
		AccountContract: s.AccountContract,
		CycleID:         s.CycleID,
		FetchedAt:       s.FetchedAt,
		Missing:         s.Missing,
		Contract:        s.Contract(),
		MeterIndex:      s.MeterIndex(),
		MeterRef:        s.MeterRef(),
		Invoices:        s.Invoices(now),
		Payments:        s.PaymentsByYear(),
		History:         s.HistoryYears(),
		ProsumerBalance: s.Get(ResourceProsumerBalance),
	}
	return summary
}

func (s *Snapshot) Contract() *ContractSummary {
	payload := s.Get(ResourceAccountInfo)
	if payload == nil {
		return nil
	}
	data := gjson.ParseBytes(payload)
	price := data.Get("supplierAndDistributionPrice")

	return &ContractSummary{
		AccountContract:            data.Get("accountContract").String(),
		ConsumptionPointCode:       data.Get("consumptionPointCode").String(),
		POD:                        data.Get("pod").String(),
		DistributorName:            data.Get("distributorName").String(),
		ContractualPrice:           optFloat(price.Get("contractualPrice")),
		ContractualPriceWithVAT:    optFloat(price.Get("contractualPriceWithVat")),
		SupplierPrice:              optFloat(price.Get("priceComponents.supplierPrice")),
		DistributionPrice:          optFloat(price.Get("priceComponents.distributionPrice")),
		TransportPrice:             optFloat(price.Get("priceComponents.transportPrice")),
		PCS:                        price.Get("pcs").String(),
		Address:                    formatAddress(data.Get("consumptionPointAddress")),
		VerificationExpirationDate: data.Get("verificationExpirationDate").String(),
		RevisionStartDate:          data.Get("revisionStartDate").String(),
		RevisionExpirationDate:     data.Get("revisionExpirationDate").String(),
	}
}

func formatAddress(addr gjson.Result) string {
	if !addr.IsObject() {
		return ""
	}
	street := joinNonEmpty(" ",
		addr.Get("street.streetType.label").String(),
		addr.Get("street.streetName").String(),
		addr.Get("streetNumber").String(),
	)
	if apartment := addr.Get("apartment").String(); apartment != "" {
		street = joinNonEmpty(" ", street, "ap. "+apartment)
	}
	return joinNonEmpty(", ", street, addr.Get("locality.localityName").String())
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}

// MeterIndex lists each meter once, in the order the API returns them
func (s *Snapshot) MeterIndex() *MeterIndexSummary {
	payload := s.Get(ResourceMeterIndex)
	if payload == nil {
		return nil
	}
	data := gjson.ParseBytes(payload)
	period := data.Get("readingPeriod")

	summary := &MeterIndexSummary{
		Devices: []DeviceIndex{},
		ReadingPeriod: ReadingPeriod{
			StartDate:          period.Get("startDate").String(),
			EndDate:            period.Get("endDate").String(),
			AllowedReading:     optBool(period.Get("allowedReading")),
			AllowChange:        optBool(period.Get("allowChange")),
			SmartDevice:        optBool(period.Get("smartDevice")),
			CurrentReadingType: period.Get("currentReadingType").String(),
		},
	}
	if t := summary.ReadingPeriod.CurrentReadingType; t != "" {
		summary.ReadingPeriod.ReadingTypeLabel = readingTypeLabel(t)
	}

	seen := make(map[string]bool)
	for _, dev := range data.Get("indexDetails.devices").Array() {
		number := dev.Get("deviceNumber").String()
		if number == "" {
			number = "unknown_device"
		}
		if seen[number] {
			continue
		}
		seen[number] = true

		device := DeviceIndex{DeviceNumber: number}
		first := dev.Get("indexes.0")
		if first.Exists() {
			device.CurrentValue = optFloat(first.Get("currentValue"))
			device.OldValue = optFloat(first.Get("oldValue"))
			device.MinValue = optFloat(first.Get("minValue"))
			device.SentAt = first.Get("sentAt").String()
			device.CanBeChangedTill = first.Get("canBeChangedTill").String()
			device.Ablbelnr = first.Get("ablbelnr").String()
			device.Value = device.CurrentValue
			if device.Value == nil {
				device.Value = device.OldValue
			}
		}
		summary.Devices = append(summary.Devices, device)
	}
	return summary
}

// MeterRef returns the register id (ablbelnr) readings are submitted against:
// the first index of the first device that has any
func (s *Snapshot) MeterRef() string {
	payload := s.Get(ResourceMeterIndex)
	if payload == nil {
		return ""
	}
	for _, dev := range gjson.GetBytes(payload, "indexDetails.devices").Array() {
		if first := dev.Get("indexes.0"); first.Exists() {
			return first.Get("ablbelnr").String()
		}
	}
	return ""
}

// Invoices summarises the unpaid invoice list. An invoice's amount is its
// issued value when nothing has been paid yet, otherwise its remaining balance.
func (s *Snapshot) Invoices(now time.Time) *InvoiceSummary {
	payload := s.Get(ResourceInvoiceBalance)
	if payload == nil {
		return nil
	}

	summary := &InvoiceSummary{Invoices: []UnpaidInvoice{}}
	for _, item := range gjson.ParseBytes(payload).Array() {
		issued := item.Get("issuedValue").Float()
		balance := item.Get("balanceValue").Float()
		if issued > 0 {
			summary.HasUnpaid = true
		}

		amount := balance
		if issued == balance {
			amount = issued
		}
		if amount <= 0 {
			continue
		}

		invoice := UnpaidInvoice{
			Amount:       amount,
			IssuedValue:  issued,
			BalanceValue: balance,
			MaturityDate: item.Get("maturityDate").String(),
		}
		if days, ok := daysUntil(invoice.MaturityDate, now); ok {
			invoice.DaysUntilDue = &days
		}
		summary.TotalUnpaid += amount
		summary.Invoices = append(summary.Invoices, invoice)
	}
	return summary
}

// daysUntil counts calendar days from now to a dd.mm.yyyy date
func daysUntil(date string, now time.Time) (int, bool) {
	due, err := time.Parse(MaturityDateLayout, date)
	if err != nil {
		return 0, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(due.Sub(today).Hours() / 24), true
}

// PaymentsByYear groups payments on the year prefix of paymentDate, newest
// year first
func (s *Snapshot) PaymentsByYear() []YearPayments {
	payload := s.Get(ResourcePayments)
	if payload == nil {
		return nil
	}

	byYear := make(map[string]*YearPayments)
	for _, item := range gjson.ParseBytes(payload).Array() {
		date := item.Get("paymentDate").String()
		if len(date) < 4 {
			continue
		}
		year := date[:4]
		group, ok := byYear[year]
		if !ok {
			group = &YearPayments{Year: year}
			byYear[year] = group
		}
		value := item.Get("value").Float()
		group.Count++
		group.Total += value
		payment := Payment{Date: date, Value: value}
		if paid, err := time.Parse(PaymentDateLayout, date); err == nil {
			payment.Month = int(paid.Month())
		}
		group.Payments = append(group.Payments, payment)
	}

	years := make([]YearPayments, 0, len(byYear))
	for _, group := range byYear {
		years = append(years, *group)
	}
	sort.Slice(years, func(i, j int) bool { return years[i].Year > years[j].Year })
	return years
}

// HistoryYears returns the reading history in the order the API reports it
func (s *Snapshot) HistoryYears() []HistoryYear {
	payload := s.Get(ResourceHistory)
	if payload == nil {
		return nil
	}

	var years []HistoryYear
	for _, item := range gjson.GetBytes(payload, "history").Array() {
		year := item.Get("year")
		if !year.Exists() {
			continue
		}
		entry := HistoryYear{
			Year:         year.String(),
			ReadingCount: len(item.Get("meters.0.indexes.0.readings").Array()),
			Readings:     []HistoryReading{},
		}
		for _, meter := range item.Get("meters").Array() {
			for _, index := range meter.Get("indexes").Array() {
				for _, reading := range index.Get("readings").Array() {
					readingType := reading.Get("readingType").String()
					entry.Readings = append(entry.Readings, HistoryReading{
						Month:            int(reading.Get("month").Int()),
						Value:            reading.Get("value").Float(),
						ReadingType:      readingType,
						ReadingTypeLabel: readingTypeLabel(readingType),
					})
				}
			}
		}
		years = append(years, entry)
	}
	return years
}

func readingTypeLabel(code string) string {
	switch code {
	case ReadingTypeDistributor:
		return "distributor"
	case ReadingTypeSelf:
		return "self-read"
	case ReadingTypeEstimate:
		return "estimate"
	default:
		return "unknown"
	}
}

func optFloat(r gjson.Result) *float64 {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := r.Float()
	return &v
}

func optBool(r gjson.Result) *bool {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := r.Bool()
	return &v
}

// formatLei renders an amount the way E·ON invoices print it
func formatLei(amount float64) string {
	return fmt.Sprintf("%.2f lei", amount)
}
