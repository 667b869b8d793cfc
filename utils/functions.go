package utils

import (
	"bufio"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func GetRandomUserAgent() string {
	return userAgents[time.Now().UnixNano()%int64(len(userAgents))]
}

// LoadCookies reads a Netscape-format cookies.txt file into a cookie jar.
// Malformed lines are skipped; the download proceeds without them.
func LoadCookies(path string) (http.CookieJar, error) {
	log := GetLogger("cookies")
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	count := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 7 {
			continue
		}
		expires, _ := strconv.ParseInt(fields[4], 10, 64)
		cookie := http.Cookie{
			Name:    fields[5],
			Value:   fields[6],
			Path:    fields[2],
			Domain:  fields[0],
			Secure:  fields[3] == "TRUE",
			Expires: time.Unix(expires, 0),
		}
		host := strings.TrimPrefix(cookie.Domain, ".")
		scheme := "http"
		if cookie.Secure {
			scheme = "https"
		}
		u := &url.URL{Scheme: scheme, Host: host}
		jar.SetCookies(u, []*http.Cookie{&cookie})
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	log.Debug().Int("count", count).Str("file", path).Msg("Cookies loaded")
	return jar, nil
}
