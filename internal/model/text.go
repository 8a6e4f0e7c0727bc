package model

import "strings"

// StripControl はタブ・改行・復帰以外のC0制御文字を取り除く。
// これらはXML 1.0の文字として表現できず、ドキュメントストアに同じ値を保存できない。
func StripControl(s string) string {
	if strings.IndexFunc(s, isDisallowedControl) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isDisallowedControl(r) {
			return -1
		}
		return r
	}, s)
}

func isDisallowedControl(r rune) bool {
	return r < 0x20 && r != '\t' && r != '\n' && r != '\r'
}

// Normalize は保存対象のテキスト項目にStripControlを適用する。
func (i *Identity) Normalize() {
	i.DisplayName = StripControl(i.DisplayName)
	i.UID = StripControl(i.UID)
	i.Email = StripControl(i.Email)
}

// Normalize は保存対象のテキスト項目にStripControlを適用する。
// Passwordはハッシュ化されるだけで保存されないため対象外。
func (c *Credential) Normalize() {
	c.UserName = StripControl(c.UserName)
	c.UID = StripControl(c.UID)
}
