package email

// Config holds email transport configuration. Without a Postmark server token
// the service falls back to DevSender, which writes messages to DevDir.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	MessageStream        string `env:"POSTMARK_MESSAGE_STREAM" envDefault:"outbound"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"alerts@localhost.localdomain"`
	SupportEmail         string `env:"SUPPORT_EMAIL"`
	DevDir               string `env:"EMAIL_DEV_DIR" envDefault:"./tmp/emails"`
}
