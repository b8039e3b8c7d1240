package credentials

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Cookie is one entry from a Netscape-format cookie file.
type Cookie struct {
	Domain string
	Path   string
	Secure bool
	Name   string
	Value  string
}

// ParseCookieFile reads a Netscape-format cookie file (the format shared
// by browser exports and the media-fetch tool). Comment and malformed
// lines are skipped, not errors.
func ParseCookieFile(path string) ([]Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookie file: %w", err)
	}
	defer f.Close()

	var cookies []Cookie
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		cookies = append(cookies, Cookie{
			Domain: fields[0],
			Path:   fields[2],
			Secure: strings.EqualFold(fields[3], "TRUE"),
			Name:   fields[5],
			Value:  fields[6],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookie file: %w", err)
	}
	return cookies, nil
}

// CookieHeader renders the cookies matching domainSuffix as a Cookie
// header value.
func CookieHeader(cookies []Cookie, domainSuffix string) string {
	var pairs []string
	for _, c := range cookies {
		if domainSuffix != "" && !domainMatches(c.Domain, domainSuffix) {
			continue
		}
		pairs = append(pairs, c.Name+"="+c.Value)
	}
	return strings.Join(pairs, "; ")
}

func domainMatches(domain, suffix string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), ".")
	suffix = strings.TrimPrefix(strings.ToLower(suffix), ".")
	return domain == suffix || strings.HasSuffix(domain, "."+suffix)
}
