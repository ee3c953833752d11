package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"eventbot/internal/storage"
	logx "eventbot/pkg/logx"
)

const (
	RGUBName       = "rgub"
	DefaultRGUBURL = "https://rgub.ru/schedule/"
	rgubSite       = "https://rgub.ru"

	maxPageBytes = 8 << 20
	// Schedule pages list up to a few months ahead; a date this far in the past
	// belongs to next year.
	yearRolloverAge = 180 * 24 * time.Hour
)

var DefaultRGUBVenues = []string{"Гик-зона", "Играриум"}

var (
	ruWeekdays = [...]string{
		time.Sunday:    "Воскресенье",
		time.Monday:    "Понедельник",
		time.Tuesday:   "Вторник",
		time.Wednesday: "Среда",
		time.Thursday:  "Четверг",
		time.Friday:    "Пятница",
		time.Saturday:  "Суббота",
	}
	ruMonthsGenitive = [...]string{
		"", "января", "февраля", "марта", "апреля", "мая", "июня",
		"июля", "августа", "сентября", "октября", "ноября", "декабря",
	}
	markdownSpecial = regexp.MustCompile("([_*~`#+|{}!])")
)

type RGUBConfig struct {
	URL     string
	Timeout time.Duration
	Venues  []string
}

// RGUB scrapes the youth library schedule page.
type RGUB struct {
	url     string
	client  *http.Client
	pattern *regexp.Regexp
	loc     *time.Location
	log     logx.Logger

	now func() time.Time
}

func NewRGUB(cfg RGUBConfig, log logx.Logger) *RGUB {
	if log.IsZero() {
		log = logx.Nop()
	}
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		u = DefaultRGUBURL
	}
	venues := cfg.Venues
	if len(venues) == 0 {
		venues = DefaultRGUBVenues
	}
	return &RGUB{
		url:     u,
		client:  NewHTTPClient(cfg.Timeout),
		pattern: rgubPattern(venues),
		loc:     moscow(),
		log:     log.With(logx.String("source", RGUBName)),
		now:     time.Now,
	}
}

func (s *RGUB) Name() string { return RGUBName }

func (s *RGUB) Fetch(ctx context.Context) ([]storage.Event, error) {
	body, err := s.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, RGUBName, err)
	}
	events := s.parse(body)
	s.log.Debug("schedule parsed", logx.Int("events", len(events)), logx.Int("bytes", len(body)))
	return events, nil
}

func (s *RGUB) get(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "eventbot/1.0")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(b), nil
}

// rgubPattern matches one schedule card. Groups: id, day, month, hour, minute,
// link, venue, title.
func rgubPattern(venues []string) *regexp.Regexp {
	alts := make([]string, 0, len(venues))
	for _, v := range venues {
		if v = strings.TrimSpace(v); v != "" {
			alts = append(alts, regexp.QuoteMeta(v))
		}
	}
	return regexp.MustCompile(
		`<div[^>]*id="news(\d+)">\s*<div[^>]*>\s*<span[^>]*>(\d+)</span>/(\d+)<br\s*/>\s*` +
			`<span[^>]*>(\d+):(\d+)</span>\s*</div>\s*<!--DIV-->\s*<div[^>]*>\s*<p[^>]*>\s*` +
			`<a\s*href="([^"]+)"[^>]*>(` + strings.Join(alts, "|") + `)</a>\s*</p>\s*</[^<]*<p>[^<]*<p>\s*` +
			`<p><a[^>]*>([^<]*)</a>\s*</p>\s*</div>\s*</div>`)
}

func (s *RGUB) parse(page string) []storage.Event {
	now := s.now().In(s.loc)
	var out []storage.Event
	for _, m := range s.pattern.FindAllStringSubmatch(page, -1) {
		day, _ := strconv.Atoi(m[2])
		month, _ := strconv.Atoi(m[3])
		hour, _ := strconv.Atoi(m[4])
		minute, _ := strconv.Atoi(m[5])
		if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
			s.log.Warn("skip malformed entry", logx.String("id", m[1]))
			continue
		}
		year := now.Year()
		at := time.Date(year, time.Month(month), day, hour, minute, 0, 0, s.loc)
		if now.Sub(at) > yearRolloverAge {
			year++
			at = time.Date(year, time.Month(month), day, hour, minute, 0, 0, s.loc)
		}
		// time.Date normalizes 31/02 to early March.
		if at.Day() != day || int(at.Month()) != month {
			s.log.Warn("skip malformed entry", logx.String("id", m[1]), logx.String("date", m[2]+"/"+m[3]))
			continue
		}
		out = append(out, storage.Event{
			ID:       RGUBName + m[1],
			OccursAt: at,
			Message:  rgubMessage(at, m[6], m[7], m[8]),
			Source:   RGUBName,
		})
	}
	return out
}

func rgubMessage(at time.Time, link, venue, title string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n\n", ruWeekdays[at.Weekday()])
	b.WriteString("Российская государственная библиотека для молодежи\n")
	b.WriteString("Адрес: ул. Б. Черкизовская, д 4 к 1\n")
	b.WriteString("м. Преображенская площадь (вых.№5)\n\n")
	fmt.Fprintf(&b, "%s\n", venue)
	fmt.Fprintf(&b, "*%d %s %02d:%02d*\n", at.Day(), ruMonthsGenitive[at.Month()], at.Hour(), at.Minute())
	fmt.Fprintf(&b, "%s%s\n\n", rgubSite, EscapeMarkdown(link))
	fmt.Fprintf(&b, "%s\n", strings.TrimSpace(title))
	b.WriteString("Вход свободный\n")
	b.WriteString("Возрастная категория 12\\+\n")
	return b.String()
}

// EscapeMarkdown backslash-escapes the Markdown control characters _*~`#+|{}!.
func EscapeMarkdown(s string) string {
	return markdownSpecial.ReplaceAllString(s, `\$1`)
}

func moscow() *time.Location {
	if loc, err := time.LoadLocation("Europe/Moscow"); err == nil {
		return loc
	}
	return time.FixedZone("MSK", 3*60*60)
}
