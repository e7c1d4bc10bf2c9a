// Package email sends transactional email for alert deliveries.
//
// Sender is the single-method abstraction used by the delivery engine.
// PostmarkSender talks to Postmark's API and DevSender writes messages to a
// local directory. NewSender picks one based on Config:
//
//	sender, err := email.NewSender(email.Config{
//		PostmarkServerToken: os.Getenv("POSTMARK_SERVER_TOKEN"),
//		SenderEmail:         "alerts@example.com",
//	})
//	err = sender.Send(ctx, email.Message{
//		To:       "ops@example.com",
//		Subject:  "[urgent] disk almost full",
//		TextBody: "db-1 at 97%",
//	})
//
// Errors wrapping ErrInvalidRecipient are permanent: the address is malformed
// or the provider refuses to deliver to it. Everything else wrapping
// ErrFailedToSendEmail may succeed on a later attempt.
package email
