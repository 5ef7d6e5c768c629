package email

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

var paymentFailedTemplate = template.Must(template.New("payment_failed").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Your payment did not go through</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; margin: 0; padding: 0; background-color: #f5f5f5;">
<table role="presentation" style="width: 100%; border: 0; cellpadding: 0; cellspacing: 0;">
<tr><td style="padding: 40px 0; text-align: center;">
<table role="presentation" style="max-width: 480px; margin: 0 auto; background: #ffffff; border-radius: 8px; overflow: hidden;">
<tr><td style="padding: 32px 40px; text-align: left;">
<h1 style="margin: 0 0 16px; font-size: 22px; color: #1a1a1a;">Hi {{.Name}},</h1>
<p style="margin: 0 0 16px; color: #444; font-size: 15px; line-height: 1.5;">
We couldn't collect {{.Amount}} for your {{.Plan}} subscription. Your plan stays active while we retry.
</p>
{{if .InvoiceURL}}<a href="{{.InvoiceURL}}" style="display: inline-block; padding: 12px 28px; background: #2563eb; color: #ffffff; text-decoration: none; border-radius: 6px; font-size: 15px;">
Update payment method
</a>{{end}}
</td></tr>
</table>
</td></tr>
</table>
</body>
</html>`))

// PaymentFailedData holds template data for the payment failure email.
type PaymentFailedData struct {
	Name       string
	Plan       string
	Amount     string
	InvoiceURL string
}

// RenderPaymentFailedEmail renders the payment failure email.
func RenderPaymentFailedEmail(data PaymentFailedData) (html, text string, err error) {
	if data.Name == "" {
		data.Name = "there"
	}
	var buf bytes.Buffer
	if err := paymentFailedTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render payment failed template: %w", err)
	}

	textBody := fmt.Sprintf("Hi %s,\n\nWe couldn't collect %s for your %s subscription. Your plan stays active while we retry.", data.Name, data.Amount, data.Plan)
	if data.InvoiceURL != "" {
		textBody += "\n\nUpdate your payment method: " + data.InvoiceURL
	}
	return buf.String(), textBody, nil
}

// FormatAmount renders a minor-unit amount, e.g. 1900 "usd" -> "19.00 USD".
func FormatAmount(minor int64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%d.%02d", minor/100, minor%100)
	}
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, strings.ToUpper(currency))
}
