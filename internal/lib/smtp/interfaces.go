// Package smtp — транспорт почтовых уведомлений поверх net/smtp со STARTTLS.
package smtp

import "io"

// Client — часть *smtp.Client, нужная для отправки письма.
type Client interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}
