package notify

import (
	"fmt"
	"strings"
	"time"
)

// Details identify the monitored account in every message.
type Details struct {
	AccountID string
	Consulate string
	Service   string
	PortalURL string
}

func (d Details) header(b *strings.Builder, title string) {
	fmt.Fprintf(b, "%s\n\n", title)
	fmt.Fprintf(b, "👤 Conta: %s\n", d.AccountID)
	if d.Consulate != "" {
		fmt.Fprintf(b, "📍 Consulado: %s\n", d.Consulate)
	}
	if d.Service != "" {
		fmt.Fprintf(b, "📋 Serviço: %s\n", d.Service)
	}
}

func (d Details) footer(b *strings.Builder) {
	if d.PortalURL != "" {
		fmt.Fprintf(b, "\n🔗 %s", d.PortalURL)
	}
}

// SlotsFound announces availability. A zero count is shown as unknown.
func SlotsFound(d Details, count int, dates []string, attachment string) Message {
	var b strings.Builder
	d.header(&b, "🎉 VAGAS DISPONÍVEIS!")
	if count > 0 {
		fmt.Fprintf(&b, "📊 Quantidade: %d\n", count)
	} else {
		b.WriteString("📊 Quantidade: ?\n")
	}
	if len(dates) > 0 {
		fmt.Fprintf(&b, "📅 Datas: %s\n", strings.Join(dates, ", "))
	}
	d.footer(&b)
	return Message{Kind: KindSlotsFound, Text: b.String(), Attachment: attachment}
}

// Booking describes a confirmed appointment.
type Booking struct {
	ConfirmationCode string
	Date             string
	Time             string
}

// BookingConfirmed announces a successful automatic booking.
func BookingConfirmed(d Details, bk Booking, attachment string) Message {
	var b strings.Builder
	d.header(&b, "✅ AGENDAMENTO CONFIRMADO!")
	if bk.ConfirmationCode != "" {
		fmt.Fprintf(&b, "🎫 Código: %s\n", bk.ConfirmationCode)
	}
	if bk.Date != "" {
		fmt.Fprintf(&b, "📅 Data: %s\n", bk.Date)
	}
	if bk.Time != "" {
		fmt.Fprintf(&b, "⏰ Horário: %s\n", bk.Time)
	}
	d.footer(&b)
	return Message{Kind: KindBookingSuccess, Text: b.String(), Attachment: attachment}
}

// BookingFailed is a slots-found message with the failed booking attempt
// appended, asking the operator to book by hand.
func BookingFailed(d Details, count int, dates []string, reason, attachment string) Message {
	msg := SlotsFound(d, count, dates, attachment)
	if reason == "" {
		reason = "falhou"
	}
	msg.Kind = KindBookingFailed
	msg.Text += fmt.Sprintf("\n\n⚠️ Agendamento automático tentado mas %s\nAGENDE MANUALMENTE AGORA!", reason)
	return msg
}

// Stopped is the terminal alert sent when the monitor gives up.
func Stopped(d Details, failures int, lastSuccess time.Time) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "🔴 MONITOR PARADO!\n\n")
	fmt.Fprintf(&b, "👤 Conta: %s\n", d.AccountID)
	fmt.Fprintf(&b, "❌ Erros consecutivos: %d\n", failures)
	if lastSuccess.IsZero() {
		b.WriteString("⏰ Último sucesso: nunca\n\n")
	} else {
		fmt.Fprintf(&b, "⏰ Último sucesso: %s\n\n", lastSuccess.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "O monitor foi parado após %d falhas consecutivas.\n", failures)
	b.WriteString("Verifique as credenciais e reinicie manualmente.")
	return Message{Kind: KindStopped, Text: b.String()}
}
