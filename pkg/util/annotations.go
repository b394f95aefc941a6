/*
   OqtaCard - PlayStation memory card emulator
   Copyright (c) 2023, Alexander Vollschwitz

   This file is part of OqtaCard.

   OqtaCard is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   OqtaCard is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with OqtaCard. If not, see <http://www.gnu.org/licenses/>.
*/

package util

import (
	"fmt"
	"sort"
	"strings"
)

//
func NewAnnotation(key string, value interface{}) *Annotation {
	return &Annotation{key: key, value: value}
}

//
type Annotation struct {
	key   string
	value interface{}
}

//
func (a *Annotation) Key() string {
	return a.key
}

//
func (a *Annotation) Bool() bool {
	if v, ok := a.value.(bool); ok {
		return v
	}
	return false
}

//
func (a *Annotation) Int() int {
	if v, ok := a.value.(int); ok {
		return v
	}
	return 0
}

//
func (a *Annotation) String() string {
	switch v := a.value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Annotations is a set of key/value pairs attached to card images and
// sessions, such as source format or stripped header length.
type Annotations struct {
	annotations map[string]*Annotation
}

//
func (a *Annotations) Annotate(key string, value interface{}) *Annotation {
	if a.annotations == nil {
		a.annotations = make(map[string]*Annotation)
	}
	ret := NewAnnotation(key, value)
	a.annotations[key] = ret
	return ret
}

//
func (a *Annotations) HasAnnotation(key string) bool {
	_, ok := a.annotations[key]
	return ok
}

//
func (a *Annotations) GetAnnotation(key string) *Annotation {
	if ret, ok := a.annotations[key]; ok {
		return ret
	}
	return NewAnnotation(key, nil)
}

// AnnotationsString renders all annotations sorted by key, one per line.
func (a *Annotations) AnnotationsString() string {

	keys := make([]string, 0, len(a.annotations))
	for k := range a.annotations {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%-20s%s\n", k, a.annotations[k]))
	}
	return sb.String()
}
