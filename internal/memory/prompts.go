package memory

const contextExtractionPrompt = `Extraes datos útiles de una conversación entre un usuario y su compañero de confianza.
Busca datos personales (nombre, ciudad, familia, preferencias), temas que le interesan,
preguntas sobre la Biblia y cualquier detalle que ayude a personalizar próximas respuestas.

Responde SOLO con un objeto JSON plano de claves y valores de texto, sin markdown ni explicaciones.
Ejemplo: {"nombre": "Ana", "tema": "la paciencia"}
Si no hay nada nuevo, responde {}.`

const summaryPrompt = `Resumes conversaciones entre un usuario y su compañero de confianza.
Incluye lo que el usuario ha contado de sí mismo, los temas principales, las preguntas sobre la Biblia
y cualquier preferencia importante. Sé breve pero no omitas datos personales.`
