package transport

import "fmt"

// Callback data uses the compact prefix:id form the child bots already emit.
const (
	cbComplaintClaim   = "complaint_claim"
	cbComplaintAccept  = "complaint_accept"
	cbComplaintReject  = "complaint_reject"
	cbUserComplaints   = "user_complaints"
	cbUserGenerations  = "user_generations"
	cbUserPayments     = "user_payments"
	cbUserRelease      = "user_release_reserved"
	cbUserResend       = "user_resend"
	cbResendGeneration = "resend_generation"
	cbPaymentRecheck   = "payment_recheck"
)

func MainKeyboard() *ReplyKeyboardMarkup {
	return &ReplyKeyboardMarkup{
		Keyboard: [][]KeyboardButton{
			{{Text: "📋 Complaints"}},
			{{Text: "👤 Find user"}},
		},
		ResizeKeyboard: true,
	}
}

func ComplaintModerationKeyboard(complaintID int64) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{
			{Text: "👁 Review", CallbackData: fmt.Sprintf("%s:%d", cbComplaintClaim, complaintID)},
		},
		{
			{Text: "✅ Accept", CallbackData: fmt.Sprintf("%s:%d", cbComplaintAccept, complaintID)},
			{Text: "❌ Reject", CallbackData: fmt.Sprintf("%s:%d", cbComplaintReject, complaintID)},
		},
	}}
}

func ComplaintStatusKeyboard(complaintID int64, status string) *InlineKeyboardMarkup {
	var label string
	switch status {
	case "accepted":
		label = "✅ Complaint accepted"
	case "rejected":
		label = "❌ Complaint rejected"
	default:
		return nil
	}
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{{Text: label, CallbackData: fmt.Sprintf("complaint_status:%d", complaintID)}},
	}}
}

func UserActionsKeyboard(userID int64) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{{Text: "📋 Complaints", CallbackData: fmt.Sprintf("%s:%d", cbUserComplaints, userID)}},
		{{Text: "🎬 Generations", CallbackData: fmt.Sprintf("%s:%d", cbUserGenerations, userID)}},
		{{Text: "💳 Payments", CallbackData: fmt.Sprintf("%s:%d", cbUserPayments, userID)}},
		{{Text: "🔄 Resend result", CallbackData: fmt.Sprintf("%s:%d", cbUserResend, userID)}},
		{{Text: "🧹 Release reserve", CallbackData: fmt.Sprintf("%s:%d", cbUserRelease, userID)}},
	}}
}

// ResendKeyboard offers one finished generation for redelivery to its user.
func ResendKeyboard(userID, generationID int64) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{{Text: "🔄 Send to user", CallbackData: fmt.Sprintf("%s:%d:%d", cbResendGeneration, userID, generationID)}},
	}}
}

func PaymentRecheckKeyboard(paymentID int64) *InlineKeyboardMarkup {
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{
		{{Text: "🔎 Recheck", CallbackData: fmt.Sprintf("%s:%d", cbPaymentRecheck, paymentID)}},
	}}
}
