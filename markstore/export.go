package markstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"

	"github.com/hazyhaar/webmarker/mark"
)

// ExportMarkdown renders the marks of url as a Markdown digest: one section
// per heading context in document order, marks in insertion order within a
// section, rich snapshots converted from their HTML.
func (s *Service) ExportMarkdown(ctx context.Context, url string) (string, error) {
	url = key(url)
	marks, err := s.store.MarksForURL(ctx, url)
	if err != nil {
		return "", err
	}

	title := url
	for _, m := range marks {
		if m.Title != "" {
			title = m.Title
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n<%s>\n", title, url)
	if len(marks) == 0 {
		b.WriteString("\nNo marks.\n")
		return b.String(), nil
	}

	for _, sec := range sections(marks) {
		fmt.Fprintf(&b, "\n## %s\n", sec.title)
		for _, m := range sec.marks {
			b.WriteString("\n")
			b.WriteString(quote(s.body(m, url)))
			if m.Annotated() {
				fmt.Fprintf(&b, "\n**Note:** %s\n", strings.TrimSpace(m.Note))
			}
			fmt.Fprintf(&b, "\n[%s](%s)\n", m.Created().UTC().Format("2006-01-02 15:04"), mark.DeepLink(url, m.ID))
		}
	}
	return b.String(), nil
}

func (s *Service) body(m mark.Mark, url string) string {
	if strings.TrimSpace(m.HTML) != "" {
		md, err := s.md.ConvertString(m.HTML, converter.WithDomain(url))
		if err == nil && strings.TrimSpace(md) != "" {
			return strings.TrimSpace(md)
		}
		if err != nil {
			s.logger.Debug("markstore: html to markdown", "id", m.ID, "error", err)
		}
	}
	return strings.TrimSpace(m.Text)
}

func quote(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l == "" {
			lines[i] = ">"
		} else {
			lines[i] = "> " + l
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

type section struct {
	title string
	order int
	first int
	marks []mark.Mark
}

// sections groups marks by heading context. Sections sort by heading order;
// marks without a heading come first.
func sections(marks []mark.Mark) []*section {
	byKey := map[string]*section{}
	var out []*section
	for i, m := range marks {
		t := m.ContextTitle
		if t == "" {
			t = mark.Uncategorized
		}
		k := fmt.Sprintf("%d\x00%s", m.ContextOrder, t)
		sec := byKey[k]
		if sec == nil {
			sec = &section{title: t, order: m.ContextOrder, first: i}
			byKey[k] = sec
			out = append(out, sec)
		}
		sec.marks = append(sec.marks, m)
	}
	slices.SortStableFunc(out, func(a, b *section) int {
		return cmp.Or(cmp.Compare(a.order, b.order), cmp.Compare(a.first, b.first))
	})
	return out
}
