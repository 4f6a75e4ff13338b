package main

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/resellerhq/storefront-backend/pkg/mailer"
	"github.com/resellerhq/storefront-backend/pkg/outbox/payloads"
)

const confirmationSubject = "Your purchase is confirmed"

var confirmationHTML = template.Must(template.New("confirmation").Parse(`<p>Thank you for your purchase.</p>
<table>
{{- range .Items}}
<tr><td>{{.Name}}</td><td>{{.Price}}</td></tr>
{{- end}}
<tr><td><strong>Total</strong></td><td><strong>{{.TotalAmount}} {{.Currency}}</strong></td></tr>
</table>
<p>Reference: {{.PurchaseID}}{{if .RazorpayPaymentID}} / {{.RazorpayPaymentID}}{{end}}</p>`))

func confirmationMessage(event *payloads.PurchaseCompletedEvent) mailer.Message {
	var text strings.Builder
	text.WriteString("Thank you for your purchase.\n\n")
	for _, item := range event.Items {
		fmt.Fprintf(&text, "- %s: %s\n", item.Name, item.Price)
	}
	fmt.Fprintf(&text, "\nTotal: %s %s\n", event.TotalAmount, event.Currency)
	fmt.Fprintf(&text, "Reference: %s", event.PurchaseID)
	if event.RazorpayPaymentID != "" {
		fmt.Fprintf(&text, " / %s", event.RazorpayPaymentID)
	}
	text.WriteString("\n")

	msg := mailer.Message{
		To:      event.Email,
		Subject: confirmationSubject,
		Text:    text.String(),
	}
	var html bytes.Buffer
	if err := confirmationHTML.Execute(&html, event); err == nil {
		msg.HTML = html.String()
	}
	return msg
}
