package uploader

import (
	"math"
	"strings"

	"oiat.dev/qbo"
)

// paymentMethodByName maps POS tender labels to remote PaymentMethod ids.
var paymentMethodByName = map[string]string{
	"Card":               "5",
	"Cash":               "1",
	"Cash/Transfer":      "8",
	"Cheque":             "2",
	"Credit Card":        "3",
	"Direct Debit":       "4",
	"Transfer":           "6",
	"Card/Transfer":      "9",
	"Card/Cash":          "7",
	"Card/Cash/Transfer": "10",
}

func inferPaymentMethodID(memo string) string {
	return paymentMethodByName[strings.TrimSpace(memo)]
}

// resolvedLine pairs a document line with its resolved item reference and
// any audit note added by the bypass path.
type resolvedLine struct {
	Line      LineRow
	ItemID    string
	AuditNote string
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// buildReceipt assembles the tax-inclusive document payload. Line amounts
// are stored net with TaxInclusiveAmt carrying the POS gross, and an
// explicit tax summary keeps the remote total equal to the gross total.
func buildReceipt(doc *Document, lines []resolvedLine, taxCodeID string, taxRate float64, departmentID string) *qbo.SalesReceipt {
	receipt := &qbo.SalesReceipt{
		TxnDate:              doc.TxnDate,
		PrivateNote:          doc.Memo,
		DocNumber:            doc.DocNumber,
		GlobalTaxCalculation: "TaxInclusive",
	}

	grossTotal, netTotal := 0.0, 0.0
	for _, rl := range lines {
		l := rl.Line

		net := l.GrossAmount - l.TaxAmount
		if net < 0 {
			net = 0
		}
		unitPrice := round2(net / l.Qty)
		amountNet := round2(unitPrice * l.Qty)

		description := l.Description
		if rl.AuditNote != "" {
			description = strings.TrimSpace(description + " " + rl.AuditNote)
		}

		receipt.Line = append(receipt.Line, qbo.Line{
			DetailType:  "SalesItemLineDetail",
			Amount:      amountNet,
			Description: description,
			SalesItemLineDetail: &qbo.SalesItemLineDetail{
				ItemRef:         qbo.Ref{Value: rl.ItemID},
				Qty:             l.Qty,
				UnitPrice:       unitPrice,
				ServiceDate:     l.ServiceDate,
				TaxCodeRef:      &qbo.Ref{Value: taxCodeID},
				TaxInclusiveAmt: l.GrossAmount,
			},
		})

		grossTotal += l.GrossAmount
		netTotal += amountNet
	}

	netBase := round2(netTotal)
	if netBase == 0 && taxRate > 0 {
		netBase = round2(grossTotal / (1 + taxRate))
	}
	totalTax := round2(grossTotal - netBase)
	receipt.TxnTaxDetail = &qbo.TxnTaxDetail{
		TotalTax: totalTax,
		TaxLine: []qbo.TaxLine{{
			Amount:     totalTax,
			DetailType: "TaxLineDetail",
			TaxLineDetail: &qbo.TaxLineDetail{
				TaxRateRef:       qbo.Ref{Value: taxCodeID},
				PercentBased:     true,
				TaxPercent:       round2(taxRate * 100),
				NetAmountTaxable: netBase,
			},
		}},
	}

	if id := inferPaymentMethodID(doc.Memo); id != "" {
		receipt.PaymentMethodRef = &qbo.Ref{Value: id}
	}
	if departmentID != "" {
		receipt.DepartmentRef = &qbo.Ref{Value: departmentID}
	}
	return receipt
}
