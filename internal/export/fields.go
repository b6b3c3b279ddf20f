package export

import (
	"fmt"
	"html"
	"html/template"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"bakeplan/api/internal/plansync"
)

// Plan keys look like m3s2_story: month 3, section 2, field "story".
var sectionKey = regexp.MustCompile(`^m(\d+)s(\d+)_(.+)$`)

const overviewHeading = "Overview"

// DocumentFor lays rec out as a Document. Plan-wide fields come first, then
// one section per month and section number in ascending order.
func DocumentFor(rec plansync.Record) Document {
	doc := Document{ID: rec.ID, Title: strings.TrimSpace(rec.Fields["title"].Str()), UpdatedAt: rec.LastEdited}
	if doc.Title == "" {
		doc.Title = "Untitled plan"
	}

	type slot struct{ month, section int }
	bySlot := make(map[slot]*Section)
	var overview Section

	for _, key := range rec.Keys() {
		if key == "title" {
			continue
		}
		value := rec.Fields[key]
		body := ValueHTML(value)
		if body == "" {
			continue
		}
		match := sectionKey.FindStringSubmatch(key)
		if match == nil {
			overview.Fields = append(overview.Fields, Field{Key: key, Label: Label(key), Body: body})
			continue
		}
		month, _ := strconv.Atoi(match[1])
		section, _ := strconv.Atoi(match[2])
		at := slot{month, section}
		sec, ok := bySlot[at]
		if !ok {
			sec = &Section{Heading: fmt.Sprintf("Month %d, section %d", month, section)}
			bySlot[at] = sec
		}
		sec.Fields = append(sec.Fields, Field{Key: key, Label: Label(match[3]), Body: body})
	}

	if len(overview.Fields) > 0 {
		overview.Heading = overviewHeading
		doc.Sections = append(doc.Sections, overview)
	}
	slots := make([]slot, 0, len(bySlot))
	for at := range bySlot {
		slots = append(slots, at)
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].month != slots[j].month {
			return slots[i].month < slots[j].month
		}
		return slots[i].section < slots[j].section
	})
	for _, at := range slots {
		doc.Sections = append(doc.Sections, *bySlot[at])
	}
	return doc
}

// Label turns a field name such as "launch_ready" into "Launch ready".
func Label(name string) string {
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(name))
	if len(words) == 0 {
		return name
	}
	label := strings.Join(words, " ")
	return strings.ToUpper(label[:1]) + label[1:]
}

// ValueHTML renders a field value. Text becomes paragraphs split on blank
// lines, lists become bullet lists and flags read Yes or No. Blank values
// render as "".
func ValueHTML(value plansync.Value) template.HTML {
	switch value.Kind() {
	case plansync.KindString:
		text := strings.TrimSpace(strings.ReplaceAll(value.Str(), "\r\n", "\n"))
		if text == "" {
			return ""
		}
		var b strings.Builder
		for _, para := range strings.Split(text, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			lines := strings.Split(para, "\n")
			for i := range lines {
				lines[i] = html.EscapeString(strings.TrimSpace(lines[i]))
			}
			fmt.Fprintf(&b, "<p>%s</p>\n", strings.Join(lines, "<br>"))
		}
		return template.HTML(b.String())
	case plansync.KindList:
		items := value.Items()
		if len(items) == 0 {
			return ""
		}
		var b strings.Builder
		b.WriteString("<ul>\n")
		for _, item := range items {
			fmt.Fprintf(&b, "<li>%s</li>\n", html.EscapeString(item))
		}
		b.WriteString("</ul>\n")
		return template.HTML(b.String())
	case plansync.KindBool:
		if value.BoolVal() {
			return "<p>Yes</p>\n"
		}
		return "<p>No</p>\n"
	default:
		return ""
	}
}
