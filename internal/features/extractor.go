// Package features turns messages into fixed-schema feature vectors.
package features

import (
	"fmt"
	"math"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/mikey/guardmail/internal/core"
	"github.com/mikey/guardmail/internal/domains"
	"github.com/mikey/guardmail/internal/utils"
)

// SchemaVersion identifies the feature layout below. Any change to names, order,
// word lists or tokenization requires a new version.
const SchemaVersion = 1

// TokenBuckets is the size of the hashed bag-of-words block
const TokenBuckets = 256

// TokenPrefix prefixes the names of the bag-of-words features
const TokenPrefix = "tok_"

// Named numeric features, in schema order
const (
	SubjectLength    = "subject_length_log"
	BodyLength       = "body_length_log"
	TotalLength      = "total_length_log"
	CapsRatio        = "caps_ratio"
	ExclamationCount = "exclamation_count"
	QuestionCount    = "question_count"
	DollarCount      = "dollar_count"
	UrgentWords      = "urgent_words"
	MoneyWords       = "money_words"
	FreeWords        = "free_words"
	LinkCount        = "link_count"
	ShortLinkCount   = "short_link_count"
	SuspiciousDomain = "suspicious_domain"
	HasAttachments   = "has_attachments"
	HTMLRatio        = "html_ratio"
)

var numericNames = []string{
	SubjectLength, BodyLength, TotalLength, CapsRatio, ExclamationCount,
	QuestionCount, DollarCount, UrgentWords, MoneyWords, FreeWords,
	LinkCount, ShortLinkCount, SuspiciousDomain, HasAttachments, HTMLRatio,
}

var schemaNames = func() []string {
	names := make([]string, 0, len(numericNames)+TokenBuckets)
	names = append(names, numericNames...)
	for i := 0; i < TokenBuckets; i++ {
		names = append(names, fmt.Sprintf("%s%03d", TokenPrefix, i))
	}
	return names
}()

// Names returns the feature names of the current schema. The slice must not be modified.
func Names() []string {
	return schemaNames
}

var (
	urgentTerms = wordSet(
		"urgent", "urgente", "urgently", "immediately", "inmediato", "inmediatamente",
		"critical", "crítico", "critico", "important", "importante", "now", "asap",
		"suspended", "suspendido", "suspend", "blocked", "bloqueado", "verify", "verificar",
		"confirm", "confirmar", "expire", "expires", "expired", "act", "actúa", "actua",
		"alert", "alerta", "final", "deadline", "hurry", "limited",
	)
	moneyTerms = wordSet(
		"money", "dinero", "cash", "won", "win", "winner", "winning", "prize", "premio",
		"million", "millions", "millón", "millones", "dollars", "dólares", "dolares",
		"euros", "usd", "inheritance", "herencia", "investment", "inversión", "inversion",
		"profit", "ganancia", "fortune", "fortuna", "lottery", "lotería", "loteria",
		"jackpot", "loan", "bitcoin", "btc", "crypto", "ganar", "gana", "reward", "wire",
		"transfer", "fund", "funds",
	)
	freeTerms = wordSet(
		"free", "gratis", "offer", "oferta", "discount", "descuento", "bonus", "gift",
		"regalo", "trial", "cheap", "barato", "sale", "promo", "promotion", "opportunity",
		"oportunidad", "deal", "unsubscribe", "coupon", "cupón", "cupon", "exclusive",
	)

	urlPattern    = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"'()]+`)
	amountPattern = regexp.MustCompile(`[$€£]\s?\d[\d,.]*|\d[\d,.]*\s?(?:usd|dollars|euros|€)`)
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Extractor computes schema v1 feature vectors
type Extractor struct {
	text        *utils.TextProcessor
	suspicious  *domains.Matcher
	shorteners  *domains.Matcher
	maxBodySize int
}

// NewExtractor creates a new extractor
func NewExtractor(text *utils.TextProcessor, suspicious, shorteners *domains.Matcher, maxBodySize int) *Extractor {
	return &Extractor{
		text:        text,
		suspicious:  suspicious,
		shorteners:  shorteners,
		maxBodySize: maxBodySize,
	}
}

// SchemaVersion returns the schema produced by Extract
func (e *Extractor) SchemaVersion() int {
	return SchemaVersion
}

// Extract computes the feature vector of a message. Missing fields yield zeros.
func (e *Extractor) Extract(msg *core.Message) core.FeatureVector {
	values := make([]float64, len(schemaNames))
	if msg == nil {
		return core.FeatureVector{Schema: SchemaVersion, Names: schemaNames, Values: values}
	}

	subject := e.text.SanitizeUTF8(msg.Subject)
	body := e.text.ProcessText(msg.Body, e.maxBodySize)
	htmlBody := e.text.ProcessText(msg.HTMLBody, e.maxBodySize)

	// visible text keeps raw case for caps_ratio
	visible := subject + "\n" + e.text.StripHTML(body)
	normalized := e.text.Normalize(visible)

	set := func(name string, v float64) {
		values[index[name]] = v
	}

	subjectRunes := len([]rune(subject))
	bodyRunes := len([]rune(body))
	set(SubjectLength, math.Log1p(float64(subjectRunes)))
	set(BodyLength, math.Log1p(float64(bodyRunes)))
	set(TotalLength, math.Log1p(float64(subjectRunes+bodyRunes)))
	set(CapsRatio, capsRatio(visible))
	set(ExclamationCount, float64(strings.Count(visible, "!")))
	set(QuestionCount, float64(strings.Count(visible, "?")))
	set(DollarCount, float64(strings.Count(visible, "$")))

	// the parser copies the HTML part into Body when there is no plain part
	plain := body
	if htmlBody != "" && msg.Body == msg.HTMLBody {
		plain = ""
	}

	// alternative parts carry the same links, so the HTML part wins when present
	linkSource := htmlBody
	if linkSource == "" {
		linkSource = plain
	}
	hosts := LinkHosts(linkSource)
	shortLinks, suspiciousLinks := 0, 0
	for _, host := range hosts {
		switch {
		case e.shorteners.Matches(host):
			shortLinks++
		case e.suspicious.Matches(host) || net.ParseIP(host) != nil:
			suspiciousLinks++
		}
	}
	set(LinkCount, float64(len(hosts)))
	set(ShortLinkCount, float64(shortLinks))
	if e.suspicious.MatchesAddress(msg.Sender) || shortLinks > 0 || suspiciousLinks > 0 {
		set(SuspiciousDomain, 1)
	}
	if msg.Attachments > 0 {
		set(HasAttachments, 1)
	}
	if len(htmlBody) > 0 {
		set(HTMLRatio, float64(len(htmlBody))/float64(len(plain)+len(htmlBody)))
	}

	tokens := Tokenize(normalized)
	var urgent, money, free float64
	for _, tok := range tokens {
		if _, ok := urgentTerms[tok]; ok {
			urgent++
		}
		if _, ok := moneyTerms[tok]; ok {
			money++
		}
		if _, ok := freeTerms[tok]; ok {
			free++
		}
		values[len(numericNames)+bucket(tok)]++
	}
	money += float64(len(amountPattern.FindAllString(normalized, -1)))
	set(UrgentWords, urgent)
	set(MoneyWords, money)
	set(FreeWords, free)

	return core.FeatureVector{Schema: SchemaVersion, Names: schemaNames, Values: values}
}

var index = func() map[string]int {
	m := make(map[string]int, len(schemaNames))
	for i, n := range schemaNames {
		m[n] = i
	}
	return m
}()

// Tokenize splits normalized text into word tokens. URLs collapse to "urltoken"
// and digit runs to "numtoken".
func Tokenize(normalized string) []string {
	normalized = urlPattern.ReplaceAllString(normalized, " urltoken ")
	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if isDigits(f) {
			tokens = append(tokens, "numtoken")
			continue
		}
		if len([]rune(f)) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func bucket(token string) int {
	return int(xxhash.Sum64String(token) % TokenBuckets)
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func capsRatio(text string) float64 {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

// LinkHosts returns the host of every link found in text, in order of appearance
func LinkHosts(text string) []string {
	links := urlPattern.FindAllString(text, -1)
	hosts := make([]string, 0, len(links))
	for _, link := range links {
		hosts = append(hosts, linkHost(link))
	}
	return hosts
}

func linkHost(link string) string {
	if !strings.Contains(link, "://") {
		link = "http://" + link
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
