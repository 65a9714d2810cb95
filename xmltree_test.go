package apkmanifest_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/virtkit/apkmanifest"
)

func TestXmlTreeEventSequence(t *testing.T) {
	b := newAxml()
	b.startNamespace("android", androidNS)
	b.startTag("", "manifest", strAttr("", "package", "com.example"))
	b.text("hello")
	b.endTag("", "manifest")
	b.endNamespace("android", androidNS)

	tree, err := apkmanifest.NewXmlTree(b.bytes())
	require.NoError(t, err)

	require.Equal(t, apkmanifest.EventStartNamespace, tree.Next())
	require.Equal(t, "android", tree.NamespacePrefix())
	require.Equal(t, androidNS, tree.NamespaceURI())

	require.Equal(t, apkmanifest.EventStartTag, tree.Next())
	name, ok := tree.ElementName()
	require.True(t, ok)
	require.Equal(t, "manifest", name)
	_, qualified := tree.ElementNamespace()
	require.False(t, qualified)

	require.Equal(t, apkmanifest.EventText, tree.Next())
	require.Equal(t, "hello", tree.Text())

	require.Equal(t, apkmanifest.EventEndTag, tree.Next())
	name, ok = tree.ElementName()
	require.True(t, ok)
	require.Equal(t, "manifest", name)

	require.Equal(t, apkmanifest.EventEndNamespace, tree.Next())

	require.Equal(t, apkmanifest.EventEndDocument, tree.Next())
	// stays terminal
	require.Equal(t, apkmanifest.EventEndDocument, tree.Next())
	require.NoError(t, tree.Err())
}

func TestXmlTreeAttributes(t *testing.T) {
	b := newAxml()
	b.startTag("", "manifest",
		strAttr("", "package", "com.example"),
		intAttr(androidNS, "versionCode", 12),
		hexAttr(androidNS, "flags", 0xff),
	)
	b.endTag("", "manifest")

	tree, err := apkmanifest.NewXmlTree(b.bytes())
	require.NoError(t, err)
	require.Equal(t, apkmanifest.EventStartTag, tree.Next())
	require.Equal(t, 3, tree.AttrCount())

	ns, qualified := tree.AttrNamespace(0)
	require.False(t, qualified)
	require.Empty(t, ns)
	require.Equal(t, "package", tree.AttrName(0))
	require.Equal(t, apkmanifest.AttrTypeString, tree.AttrType(0))
	value, ok := tree.AttrStringValue(0)
	require.True(t, ok)
	require.Equal(t, "com.example", value)

	ns, qualified = tree.AttrNamespace(1)
	require.True(t, qualified)
	require.Equal(t, androidNS, ns)
	require.Equal(t, "versionCode", tree.AttrName(1))
	require.Equal(t, apkmanifest.AttrTypeIntDec, tree.AttrType(1))
	require.Equal(t, uint32(12), tree.AttrData(1))
	_, ok = tree.AttrStringValue(1)
	require.False(t, ok)

	require.Equal(t, apkmanifest.AttrTypeIntHex, tree.AttrType(2))
	require.Equal(t, uint32(0xff), tree.AttrData(2))

	// attributes are reset on the next structural event
	require.Equal(t, apkmanifest.EventEndTag, tree.Next())
	require.Equal(t, 0, tree.AttrCount())
}

func TestXmlTreeResourceIdsSkipped(t *testing.T) {
	b := newAxml()
	var ids [3 * 4]byte
	binary.LittleEndian.PutUint32(ids[0:], 0x01010000)
	binary.LittleEndian.PutUint32(ids[4:], 0x01010001)
	binary.LittleEndian.PutUint32(ids[8:], 0x01010002)
	b.rawChunk(axmlChunkResourceIds, ids[:])
	b.startTag("", "manifest")
	b.endTag("", "manifest")

	tree, err := apkmanifest.NewXmlTree(b.bytes())
	require.NoError(t, err)
	require.Equal(t, apkmanifest.EventStartTag, tree.Next())
	name, _ := tree.ElementName()
	require.Equal(t, "manifest", name)
}

func TestXmlTreeBadDocumentSticks(t *testing.T) {
	b := newAxml()
	b.startTag("", "manifest")
	b.endTag("", "manifest")
	data := b.bytes()

	tree, err := apkmanifest.NewXmlTree(data[:len(data)-10])
	require.NoError(t, err)

	require.Equal(t, apkmanifest.EventStartTag, tree.Next())
	require.Equal(t, apkmanifest.EventBadDocument, tree.Next())
	require.Error(t, tree.Err())
	require.Equal(t, apkmanifest.EventBadDocument, tree.Next())
}

func TestXmlTreeStringSanitization(t *testing.T) {
	// Interior NULs come out as replacement characters, same as Android's
	// string pool handling of corrupt entries.
	b := newAxml()
	b.startTag("", "manifest")
	b.text("a\x00b")
	b.endTag("", "manifest")

	tree, err := apkmanifest.NewXmlTree(b.bytes())
	require.NoError(t, err)
	require.Equal(t, apkmanifest.EventStartTag, tree.Next())
	require.Equal(t, apkmanifest.EventText, tree.Next())
	require.Equal(t, "a￾b", tree.Text())
}

func TestXmlTreeNonAscii(t *testing.T) {
	for _, variant := range []struct {
		name string
		b    *axmlBuilder
	}{
		{name: "utf16 pool", b: newAxml()},
		{name: "utf8 pool", b: newAxmlUtf8()},
	} {
		t.Run(variant.name, func(t *testing.T) {
			b := variant.b
			b.startTag("", "manifest", strAttr("", "package", "com.exämple.日本"))
			b.endTag("", "manifest")

			tree, err := apkmanifest.NewXmlTree(b.bytes())
			require.NoError(t, err)
			require.Equal(t, apkmanifest.EventStartTag, tree.Next())
			value, ok := tree.AttrStringValue(0)
			require.True(t, ok)
			require.Equal(t, "com.exämple.日本", value)
		})
	}
}
