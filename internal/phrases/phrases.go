package phrases

import (
	"bytes"
	_ "embed"
	"fmt"
	"html"
	"os"
	"strings"
	"sync/atomic"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/chatushka/chatushka/core"
)

//go:embed default.yaml
var defaultYAML []byte

// Kind names a list of phrases in the book.
type Kind string

const (
	EightBall Kind = "eight_ball"
	Accident  Kind = "accident"
	Loser     Kind = "loser"
	Welcome   Kind = "welcome"
)

var kinds = []Kind{EightBall, Accident, Loser, Welcome}

// Data is the template input. User is the actor, Target the affected user.
type Data struct {
	User    core.User
	Target  core.User
	Minutes int
}

var funcs = template.FuncMap{
	"mention": Mention,
}

// Mention renders an HTML link to the user's profile.
func Mention(u core.User) string {
	name := u.ReadableName()
	if name == "" {
		name = u.Username
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, u.ID, html.EscapeString(name))
}

// Book holds the parsed phrase templates by kind.
type Book struct {
	lists map[Kind][]*template.Template
}

// Default returns the embedded phrasebook.
func Default() *Book {
	b, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("phrases: embedded default: %v", err))
	}
	return b
}

// Parse decodes a YAML phrasebook. Every kind must have at least one phrase.
func Parse(data []byte) (*Book, error) {
	raw := map[Kind][]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode phrasebook: %w", err)
	}
	return build(raw)
}

// Load reads an override file and layers it on top of the default book:
// kinds present in the file replace the defaults, the rest are kept.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read phrasebook: %w", err)
	}
	raw := map[Kind][]string{}
	if err := yaml.Unmarshal(defaultYAML, &raw); err != nil {
		return nil, fmt.Errorf("decode default phrasebook: %w", err)
	}
	override := map[Kind][]string{}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("decode phrasebook %s: %w", path, err)
	}
	for kind, list := range override {
		if len(list) > 0 {
			raw[kind] = list
		}
	}
	return build(raw)
}

func build(raw map[Kind][]string) (*Book, error) {
	b := &Book{lists: make(map[Kind][]*template.Template, len(kinds))}
	for _, kind := range kinds {
		texts := raw[kind]
		if len(texts) == 0 {
			return nil, fmt.Errorf("phrasebook: no %s phrases", kind)
		}
		for i, text := range texts {
			tmpl, err := template.New(fmt.Sprintf("%s[%d]", kind, i)).Funcs(funcs).Parse(strings.TrimSpace(text))
			if err != nil {
				return nil, fmt.Errorf("phrasebook: %w", err)
			}
			b.lists[kind] = append(b.lists[kind], tmpl)
		}
	}
	return b, nil
}

// Len reports how many phrases of the kind the book has.
func (b *Book) Len(kind Kind) int {
	return len(b.lists[kind])
}

// Render executes the phrase at index i (taken modulo the list length).
func (b *Book) Render(kind Kind, i int, data Data) (string, error) {
	list := b.lists[kind]
	if len(list) == 0 {
		return "", fmt.Errorf("phrasebook: unknown kind %q", kind)
	}
	if i < 0 {
		i = -i
	}
	var buf bytes.Buffer
	if err := list[i%len(list)].Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", kind, err)
	}
	return buf.String(), nil
}

// Store holds the current book and allows it to be swapped at runtime.
type Store struct {
	book atomic.Pointer[Book]
}

// NewStore creates a store serving b.
func NewStore(b *Book) *Store {
	s := &Store{}
	s.book.Store(b)
	return s
}

// Book returns the current phrasebook.
func (s *Store) Book() *Book {
	return s.book.Load()
}

// Reload replaces the book with the one at path. On error the current
// book stays in place.
func (s *Store) Reload(path string) error {
	b, err := Load(path)
	if err != nil {
		return err
	}
	s.book.Store(b)
	return nil
}
