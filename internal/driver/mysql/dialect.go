package mysql

import (
	"fmt"
	"net/url"
	"strings"
)

// Dialect holds MySQL identifier quoting and DSN construction.
type Dialect struct{}

func (d *Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d *Dialect) BuildDSN(host string, port int, database, user, password, sslMode string) string {
	encodedUser := url.QueryEscape(user)
	encodedPassword := url.QueryEscape(password)

	params := url.Values{}
	params.Set("parseTime", "true")
	params.Set("charset", "utf8mb4")
	params.Set("loc", "UTC")

	switch strings.ToLower(sslMode) {
	case "disable", "disabled", "false":
		params.Set("tls", "false")
	case "require", "required", "true":
		params.Set("tls", "true")
	case "":
		params.Set("tls", "preferred")
	default:
		params.Set("tls", "preferred")
	}

	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		encodedUser, encodedPassword, host, port, database, params.Encode())
}
