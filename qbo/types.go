package qbo

import "fmt"

// Ref is a reference to another entity by id.
type Ref struct {
	Value string `json:"value"`
	Name  string `json:"name,omitempty"`
}

// SalesReceipt is the document payload for the salesreceipt endpoint.
type SalesReceipt struct {
	ID                   string        `json:"Id,omitempty"`
	SyncToken            string        `json:"SyncToken,omitempty"`
	DocNumber            string        `json:"DocNumber,omitempty"`
	TxnDate              string        `json:"TxnDate,omitempty"`
	PrivateNote          string        `json:"PrivateNote,omitempty"`
	GlobalTaxCalculation string        `json:"GlobalTaxCalculation,omitempty"`
	TotalAmt             float64       `json:"TotalAmt,omitempty"`
	Line                 []Line        `json:"Line,omitempty"`
	TxnTaxDetail         *TxnTaxDetail `json:"TxnTaxDetail,omitempty"`
	PaymentMethodRef     *Ref          `json:"PaymentMethodRef,omitempty"`
	DepartmentRef        *Ref          `json:"DepartmentRef,omitempty"`
}

// Line is one document line.
type Line struct {
	DetailType          string               `json:"DetailType"`
	Amount              float64              `json:"Amount"`
	Description         string               `json:"Description,omitempty"`
	SalesItemLineDetail *SalesItemLineDetail `json:"SalesItemLineDetail,omitempty"`
}

// SalesItemLineDetail carries the item-level fields of a line.
type SalesItemLineDetail struct {
	ItemRef         Ref     `json:"ItemRef"`
	Qty             float64 `json:"Qty,omitempty"`
	UnitPrice       float64 `json:"UnitPrice"`
	ServiceDate     string  `json:"ServiceDate,omitempty"`
	TaxCodeRef      *Ref    `json:"TaxCodeRef,omitempty"`
	TaxInclusiveAmt float64 `json:"TaxInclusiveAmt,omitempty"`
}

// TxnTaxDetail is the explicit tax summary attached to tax-inclusive
// documents so the remote service backs out VAT instead of re-deriving it.
type TxnTaxDetail struct {
	TotalTax float64   `json:"TotalTax"`
	TaxLine  []TaxLine `json:"TaxLine,omitempty"`
}

// TaxLine is one tax summary line.
type TaxLine struct {
	Amount        float64        `json:"Amount"`
	DetailType    string         `json:"DetailType"`
	TaxLineDetail *TaxLineDetail `json:"TaxLineDetail,omitempty"`
}

// TaxLineDetail describes how a tax line was computed.
type TaxLineDetail struct {
	TaxRateRef       Ref     `json:"TaxRateRef"`
	PercentBased     bool    `json:"PercentBased"`
	TaxPercent       float64 `json:"TaxPercent"`
	NetAmountTaxable float64 `json:"NetAmountTaxable"`
}

// Item is a product or service entity.
type Item struct {
	ID                string   `json:"Id,omitempty"`
	SyncToken         string   `json:"SyncToken,omitempty"`
	Name              string   `json:"Name,omitempty"`
	Type              string   `json:"Type,omitempty"`
	Active            bool     `json:"Active,omitempty"`
	Sparse            bool     `json:"sparse,omitempty"`
	Taxable           bool     `json:"Taxable,omitempty"`
	SalesTaxIncluded  bool     `json:"SalesTaxIncluded,omitempty"`
	TrackQtyOnHand    bool     `json:"TrackQtyOnHand,omitempty"`
	UnitPrice         float64  `json:"UnitPrice,omitempty"`
	PurchaseCost      float64  `json:"PurchaseCost,omitempty"`
	QtyOnHand         *float64 `json:"QtyOnHand,omitempty"`
	InvStartDate      string   `json:"InvStartDate,omitempty"`
	IncomeAccountRef  *Ref     `json:"IncomeAccountRef,omitempty"`
	AssetAccountRef   *Ref     `json:"AssetAccountRef,omitempty"`
	ExpenseAccountRef *Ref     `json:"ExpenseAccountRef,omitempty"`
	TaxCodeRef        *Ref     `json:"TaxCodeRef,omitempty"`
}

// Department is the entity the operator UI labels "Location".
type Department struct {
	ID   string `json:"Id,omitempty"`
	Name string `json:"Name,omitempty"`
}

// QueryResponse is the envelope returned by the query endpoint. Only the
// entity slices this system reads are mapped.
type QueryResponse struct {
	SalesReceipt  []SalesReceipt `json:"SalesReceipt,omitempty"`
	Item          []Item         `json:"Item,omitempty"`
	Department    []Department   `json:"Department,omitempty"`
	StartPosition int            `json:"startPosition,omitempty"`
	MaxResults    int            `json:"maxResults,omitempty"`
	TotalCount    int            `json:"totalCount,omitempty"`
}

type queryEnvelope struct {
	QueryResponse QueryResponse `json:"QueryResponse"`
}

type receiptEnvelope struct {
	SalesReceipt *SalesReceipt `json:"SalesReceipt"`
}

type itemEnvelope struct {
	Item *Item `json:"Item"`
}

// faultEnvelope tolerates both capitalizations the service emits.
type faultEnvelope struct {
	Fault      *fault `json:"Fault,omitempty"`
	FaultLower *fault `json:"fault,omitempty"`
}

func (f faultEnvelope) fault() *fault {
	if f.Fault != nil {
		return f.Fault
	}
	return f.FaultLower
}

type fault struct {
	Error      []faultError `json:"Error,omitempty"`
	ErrorLower []faultError `json:"error,omitempty"`
	Type       string       `json:"type,omitempty"`
}

func (f *fault) errors() []faultError {
	if len(f.Error) > 0 {
		return f.Error
	}
	return f.ErrorLower
}

type faultError struct {
	Message string `json:"Message,omitempty"`
	Detail  string `json:"Detail,omitempty"`
	Code    string `json:"code,omitempty"`
}

// APIError is a non-2xx response from the remote service, with the fault
// details extracted when the body carried them.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Detail     string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Detail
	}
	if e.Code != "" {
		return fmt.Sprintf("remote service error %d (code %s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("remote service error %d: %s", e.StatusCode, msg)
}
