package models

// AlertTitle is the fixed title of every health push notification.
const AlertTitle = "Health Alert"

// Notification is a token-addressed push message.
type Notification struct {
	Token string
	Title string
	Body  string
}
