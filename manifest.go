package apkmanifest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Tag and attribute names we look for, see
// https://developer.android.com/guide/topics/manifest/manifest-element
const (
	manifestTagName          = "manifest"
	androidNamespaceURL      = "http://schemas.android.com/apk/res/android"
	packageAttrName          = "package"
	versionCodeAttrName      = "versionCode"
	versionCodeMajorAttrName = "versionCodeMajor"
	usesPermissionTagName    = "uses-permission"
	nameAttrName             = "name"
	valueAttrName            = "value"
	propertyTagName          = "property"

	rollbackIndexPropertyName               = "android.system.virtualmachine.ROLLBACK_INDEX"
	relaxedRollbackProtectionPermissionName = "android.permission.USE_RELAXED_MICRODROID_ROLLBACK_PROTECTION"
)

// ManifestInfo holds the identity and rollback-protection fields extracted
// from a binary manifest. The zero value of each field stands in for an
// attribute absent from the document. Values are immutable once returned
// from extraction.
type ManifestInfo struct {
	pkg              string
	versionCode      uint32
	versionCodeMajor uint32
	rollbackIndex    uint32
	hasRollbackIndex bool

	hasRelaxedRollbackProtectionPermission bool
}

// Package returns the declared package name, empty when absent.
func (m *ManifestInfo) Package() string {
	return m.pkg
}

// VersionCode returns the full version code, versionCodeMajor in the high 32
// bits and versionCode in the low 32 bits.
func (m *ManifestInfo) VersionCode() uint64 {
	return uint64(m.versionCode) | uint64(m.versionCodeMajor)<<32
}

// RollbackIndex returns the value of the rollback index property and whether
// the manifest declared one.
func (m *ManifestInfo) RollbackIndex() (uint32, bool) {
	return m.rollbackIndex, m.hasRollbackIndex
}

// HasRelaxedRollbackProtectionPermission reports whether the manifest
// requests the permission that relaxes microdroid rollback protection.
func (m *ManifestInfo) HasRelaxedRollbackProtectionPermission() bool {
	return m.hasRelaxedRollbackProtectionPermission
}

// ParseManifestInfo extracts ManifestInfo from a binary-encoded
// AndroidManifest.xml held in data. Everything identity-related is an
// attribute on the root <manifest> tag; the rest of the document is scanned
// for <uses-permission> and <property> declarations. Attribute order does not
// matter, absent attributes keep their default value and unknown tags and
// attributes are ignored.
//
// Structural errors and malformed root attributes abort the extraction.
// Malformed <property> or <uses-permission> tags are logged and skipped.
func ParseManifestInfo(data []byte) (*ManifestInfo, error) {
	tree, err := NewXmlTree(data)
	if err != nil {
		return nil, err
	}

	if err := findManifestElement(tree); err != nil {
		return nil, err
	}

	info := &ManifestInfo{}
	if err := parseRootAttributes(tree, info); err != nil {
		return nil, err
	}

	if err := scanDocumentBody(tree, info); err != nil {
		return nil, err
	}
	return info, nil
}

// findManifestElement reads through the event stream up to the <manifest>
// element. The first tag of a well-formed manifest is <manifest> with no
// namespace, and that is the only tag whose attributes we read here.
func findManifestElement(t *XmlTree) error {
	for {
		switch event := t.Next(); event {
		case EventBadDocument:
			return fmt.Errorf("failed to parse XML: %v", t.Err())
		case EventStartNamespace, EventEndNamespace:
			// not of interest, keep going
		case EventStartTag:
			if _, qualified := t.ElementNamespace(); qualified {
				return errors.New("root element has unexpected namespace")
			}
			name, ok := t.ElementName()
			if !ok {
				return errors.New("missing tag name")
			}
			if name != manifestTagName {
				return fmt.Errorf("expected <manifest> as root element, got <%s>", name)
			}
			return nil
		default:
			return fmt.Errorf("unexpected XML parsing event: %v", event)
		}
	}
}

// parseRootAttributes resolves the identity attributes of the root tag. The
// three fields extracted here are mandatory context, so a malformed value is
// fatal to the whole extraction.
func parseRootAttributes(t *XmlTree, info *ManifestInfo) error {
	for i := 0; i < t.AttrCount(); i++ {
		namespaceURL, qualified := t.AttrNamespace(i)
		name := t.AttrName(i)

		if !qualified {
			if name == packageAttrName {
				value, err := stringOnlyAttribute(t, i)
				if err != nil {
					return fmt.Errorf("package name: %v", err)
				}
				info.pkg = value
			}
		} else if namespaceURL == androidNamespaceURL {
			switch name {
			case versionCodeAttrName:
				value, err := u32Attribute(t, i)
				if err != nil {
					return fmt.Errorf("version code: %v", err)
				}
				info.versionCode = value
			case versionCodeMajorAttrName:
				value, err := u32Attribute(t, i)
				if err != nil {
					return fmt.Errorf("version code major: %v", err)
				}
				info.versionCodeMajor = value
			}
		}
	}
	return nil
}

// stringOnlyAttribute returns the value of an attribute that may only
// legitimately be encoded as a string. No coercion from the numeric storage
// types is attempted; a non-string encoding of such an attribute means the
// input is malformed.
func stringOnlyAttribute(t *XmlTree, i int) (string, error) {
	if typ := t.AttrType(i); typ != AttrTypeString {
		return "", fmt.Errorf("expected string attribute, got type 0x%02x", uint8(typ))
	}
	value, ok := t.AttrStringValue(i)
	if !ok {
		return "", errors.New("expected attribute to have string value")
	}
	return value, nil
}

// u32Attribute returns the attribute's value as an unsigned 32-bit integer.
// Integer cells are returned verbatim; whether the source document wrote the
// literal in decimal or hex is a presentation detail. A string cell is parsed
// with base-0 rules (decimal, 0x hex or 0-prefixed octal) and must be fully
// consumed and fit in 32 bits.
func u32Attribute(t *XmlTree, i int) (uint32, error) {
	switch typ := t.AttrType(i); typ {
	case AttrTypeIntDec, AttrTypeIntHex:
		return t.AttrData(i), nil
	case AttrTypeString:
		str, err := stringOnlyAttribute(t, i)
		if err != nil {
			return 0, err
		}
		// strconv accepts digit group underscores with base 0, strtoul
		// semantics do not.
		if strings.ContainsRune(str, '_') {
			return 0, errors.New("invalid numeric value")
		}
		value, err := strconv.ParseUint(str, 0, 32)
		if err != nil {
			return 0, errors.New("invalid numeric value")
		}
		return uint32(value), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got type 0x%02x", uint8(typ))
	}
}

// scanDocumentBody walks the document after the root tag looking for the
// relaxed rollback protection permission and the rollback index property.
// Tags of any other name are skipped without inspecting their attributes.
func scanDocumentBody(t *XmlTree, info *ManifestInfo) error {
	for {
		switch event := t.Next(); event {
		case EventEndDocument:
			return nil
		case EventBadDocument:
			return fmt.Errorf("failed to parse XML: %v", t.Err())
		case EventStartTag:
			name, ok := t.ElementName()
			if !ok {
				return errors.New("missing tag name")
			}
			switch name {
			case usesPermissionTagName:
				if isRelaxedRollbackProtectionPermission(t) {
					info.hasRelaxedRollbackProtectionPermission = true
				}
			case propertyTagName:
				if index, ok := rollbackIndexValue(t); ok {
					logger.Info().Uint32("rollback_index", index).Msg("found rollback index property")
					if info.hasRollbackIndex {
						logger.Warn().Msg("found duplicate rollback index, overriding previous value")
					}
					info.rollbackIndex = index
					info.hasRollbackIndex = true
				}
			}
		case EventStartNamespace, EventEndNamespace, EventEndTag:
			// no-op
		default:
			logger.Error().Stringer("event", event).Msg("found unexpected event")
		}
	}
}

// isRelaxedRollbackProtectionPermission reports whether the current
// <uses-permission> tag names the relaxed rollback protection permission.
func isRelaxedRollbackProtectionPermission(t *XmlTree) bool {
	for i := 0; i < t.AttrCount(); i++ {
		namespaceURL, qualified := t.AttrNamespace(i)
		if !qualified || namespaceURL != androidNamespaceURL {
			continue
		}
		if t.AttrName(i) != nameAttrName {
			continue
		}

		value, ok := t.AttrStringValue(i)
		if !ok {
			logger.Warn().Msg("expected name attribute to be non-empty")
			continue
		}

		if value == relaxedRollbackProtectionPermissionName {
			return true
		}
	}
	return false
}

// rollbackIndexValue returns the value of the rollback index property, or
// false if the current <property> tag does not declare it. The android:value
// attribute can come before android:name, so the attribute list is iterated
// twice; a value seen before the property is confirmed to be the rollback
// index is skipped on the first pass and picked up on the second.
func rollbackIndexValue(t *XmlTree) (uint32, bool) {
	count := t.AttrCount()
	isRollbackIndexProp := false

	for it := 0; it < 2*count; it++ {
		i := it % count

		namespaceURL, qualified := t.AttrNamespace(i)
		if !qualified || namespaceURL != androidNamespaceURL {
			continue
		}

		switch t.AttrName(i) {
		case nameAttrName:
			value, ok := t.AttrStringValue(i)
			if !ok {
				logger.Warn().Msg("expected name attribute to be non-empty")
				continue
			}
			if value != rollbackIndexPropertyName {
				return 0, false
			}
			isRollbackIndexProp = true
		case valueAttrName:
			if !isRollbackIndexProp {
				// We don't know yet if this is the right property.
				continue
			}
			value, err := u32Attribute(t, i)
			if err != nil {
				logger.Error().Err(err).Msg("failed to parse value of the rollback index")
				return 0, false
			}
			return value, true
		}
	}

	return 0, false
}
