package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/beevik/etree"
)

// record はドキュメント内の1レコード（<property name="...">値</property>の集合）を表す。
// idはレコード要素のid属性で、リレーショナルストアの内部IDを保持する（不明な場合は0）。
type record struct {
	id     int64
	fields map[string]string
}

func newRecord(id int64) record {
	return record{id: id, fields: map[string]string{}}
}

// xmlDocument はファイルに保存されたXMLドキュメントの読み書きを行う。
// ルート要素の下にrecordTag要素が並び、各要素がproperty要素を持つ構造を扱う。
type xmlDocument struct {
	path      string
	rootTag   string
	recordTag string
	// fieldsは書き出し時のproperty要素の順序。
	fields []string
}

// load はドキュメントを読み込み、全レコードを返す。
func (d *xmlDocument) load() ([]record, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(d.path); err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", d.path, err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("document %s has no root element", d.path)
	}
	if root.Tag != d.rootTag {
		return nil, fmt.Errorf("document %s: unexpected root element <%s>, want <%s>", d.path, root.Tag, d.rootTag)
	}

	var records []record
	for _, el := range root.SelectElements(d.recordTag) {
		var id int64
		if v := el.SelectAttrValue("id", ""); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("document %s: invalid id attribute %q: %w", d.path, v, err)
			}
			id = parsed
		}
		rec := newRecord(id)
		for _, p := range el.SelectElements("property") {
			name := p.SelectAttrValue("name", "")
			if name == "" {
				continue
			}
			rec.fields[name] = p.Text()
		}
		records = append(records, rec)
	}
	return records, nil
}

// save は全レコードをドキュメントに書き出す。
// 一時ファイルに書き込んでからリネームするため、途中で失敗しても既存の内容は壊れない。
func (d *xmlDocument) save(records []record) error {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(d.rootTag)
	for _, rec := range records {
		el := root.CreateElement(d.recordTag)
		if rec.id > 0 {
			el.CreateAttr("id", strconv.FormatInt(rec.id, 10))
		}
		for _, name := range d.fields {
			p := el.CreateElement("property")
			p.CreateAttr("name", name)
			p.SetText(rec.fields[name])
		}
	}
	doc.Indent(2)

	return writeFileAtomic(d.path, doc)
}

// ensure はドキュメントが存在しない場合に空のドキュメントを作成する。
func (d *xmlDocument) ensure() error {
	_, err := os.Stat(d.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat document %s: %w", d.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", d.path, err)
	}
	return d.save(nil)
}

func writeFileAtomic(path string, doc *etree.Document) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := doc.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write document %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync document %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close document %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace document %s: %w", path, err)
	}
	return nil
}
